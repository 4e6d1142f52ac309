// Package auth issues bearer tokens for the schedule API.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenStore persists the app token between runs.
type TokenStore interface {
	SaveToken(token *oauth2.Token) error
	LoadToken() (*oauth2.Token, error)
}

// cachedToken is the on-disk form of a cached app token.
type cachedToken struct {
	ClientID string        `json:"client_id"`
	Token    *oauth2.Token `json:"token"`
}

// FileTokenStore caches the app token of one client id in a JSON file.
type FileTokenStore struct {
	Path     string
	ClientID string
}

// NewFileTokenStore returns a store at path for tokens issued to clientID.
func NewFileTokenStore(path, clientID string) *FileTokenStore {
	return &FileTokenStore{Path: path, ClientID: clientID}
}

// SaveToken writes the token through a temporary file in the same
// directory, so a crash never leaves a half-written cache behind.
func (store *FileTokenStore) SaveToken(token *oauth2.Token) error {
	data, err := json.Marshal(cachedToken{ClientID: store.ClientID, Token: token})
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(store.Path), ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("failed to protect token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), store.Path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// LoadToken returns the cached token, or nil when there is no cache or the
// cache belongs to another client id.
func (store *FileTokenStore) LoadToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(store.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var cached cachedToken
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	if cached.Token == nil || cached.ClientID != store.ClientID {
		return nil, nil
	}
	return cached.Token, nil
}

// cachingTokenSource writes every newly issued token to its store.
type cachingTokenSource struct {
	source oauth2.TokenSource
	store  TokenStore

	mu   sync.Mutex
	last string
}

func (c *cachingTokenSource) Token() (*oauth2.Token, error) {
	token, err := c.source.Token()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if token.AccessToken != c.last {
		if err := c.store.SaveToken(token); err != nil {
			return nil, fmt.Errorf("failed to cache app token: %w", err)
		}
		c.last = token.AccessToken
	}
	return token, nil
}

// AppCredentials identifies an application to the schedule API's token endpoint.
type AppCredentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// NewAppTokenSource returns a token source for the client-credentials grant.
// A cached token from tokenStore is reused while it is valid; new tokens are
// written back to the store. tokenStore may be nil to disable caching.
func NewAppTokenSource(ctx context.Context, creds AppCredentials, tokenStore TokenStore) (oauth2.TokenSource, error) {
	ccConfig := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL,
		Scopes:       creds.Scopes,
		// The token endpoint expects the credentials as form parameters.
		AuthStyle:      oauth2.AuthStyleInParams,
		EndpointParams: url.Values{},
	}
	source := ccConfig.TokenSource(ctx)

	if tokenStore == nil {
		return source, nil
	}

	cached, err := tokenStore.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	ts := &cachingTokenSource{
		source: oauth2.ReuseTokenSource(cached, source),
		store:  tokenStore,
	}
	if cached != nil {
		ts.last = cached.AccessToken
	}
	return ts, nil
}

// NewStaticTokenSource wraps a pre-issued access token.
func NewStaticTokenSource(accessToken string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	})
}

// NewClient returns an HTTP client that authorizes every request with a
// bearer token from ts, using base for the underlying transport.
func NewClient(ctx context.Context, ts oauth2.TokenSource, base *http.Client) *http.Client {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	client := oauth2.NewClient(ctx, ts)
	if base != nil {
		client.Timeout = base.Timeout
	}
	return client
}
