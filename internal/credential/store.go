// Package credential holds the gateway's session credentials: one access
// token and one refresh token, stored under fixed names and cleared as a unit.
package credential

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
)

// Fixed storage names for the two credential values
const (
	AccessTokenKey  = "token"
	RefreshTokenKey = "refresh_token"
)

// Store persists the credential pair. A missing pair loads as a nil token.
type Store interface {
	Load(ctx context.Context) (*oauth2.Token, error)
	Save(ctx context.Context, tok *oauth2.Token) error
	Clear(ctx context.Context) error
}

// AccessToken returns the stored access token, or "" when there is none
func AccessToken(ctx context.Context, s Store) (string, error) {
	tok, err := s.Load(ctx)
	if err != nil || tok == nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// RefreshToken returns the stored refresh token, or "" when there is none
func RefreshToken(ctx context.Context, s Store) (string, error) {
	tok, err := s.Load(ctx)
	if err != nil || tok == nil {
		return "", err
	}
	return tok.RefreshToken, nil
}

func normalize(tok *oauth2.Token) *oauth2.Token {
	if tok == nil || (tok.AccessToken == "" && tok.RefreshToken == "") {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

// MemoryStore keeps credentials in process memory
type MemoryStore struct {
	mu  sync.RWMutex
	tok *oauth2.Token
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the stored pair
func (m *MemoryStore) Load(_ context.Context) (*oauth2.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return normalize(m.tok), nil
}

// Save replaces the stored pair
func (m *MemoryStore) Save(_ context.Context, tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = normalize(tok)
	return nil
}

// Clear removes both tokens
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = nil
	return nil
}
