package auth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

const serviceName = "mailagent"

// ErrNoFilePassword is returned by the file keyring when no password was
// configured for it.
var ErrNoFilePassword = errors.New("file keyring requires oauth.keyring_password")

// OpenKeyring opens the OS keyring, falling back to an encrypted file
// keyring in dir protected by filePassword. With an empty filePassword the
// file keyring fails with ErrNoFilePassword on first use.
func OpenKeyring(dir, filePassword string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyringConfig(dir, filePassword, []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
		keyring.FileBackend,
	}))
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func keyringConfig(dir, filePassword string, backends []keyring.BackendType) keyring.Config {
	prompt := keyring.FixedStringPrompt(filePassword)
	if filePassword == "" {
		prompt = func(string) (string, error) { return "", ErrNoFilePassword }
	}
	return keyring.Config{
		ServiceName:              serviceName,
		AllowedBackends:          backends,
		FileDir:                  dir,
		FilePasswordFunc:         prompt,
		KeychainTrustApplication: true,
	}
}

// TokenStore persists OAuth tokens as JSON keyring items.
type TokenStore struct {
	ring keyring.Keyring
}

func NewTokenStore(ring keyring.Keyring) *TokenStore {
	return &TokenStore{ring: ring}
}

// Load returns ErrNotLoggedIn when key has no token.
func (s *TokenStore) Load(key string) (*oauth2.Token, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotLoggedIn)
	}
	if err != nil {
		return nil, fmt.Errorf("getting token %q: %w", key, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token %q: %w", key, err)
	}
	return &tok, nil
}

func (s *TokenStore) Save(key string, tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	err = s.ring.Set(keyring.Item{
		Key:         key,
		Data:        b,
		Label:       "mailagent oauth token",
		Description: key,
	})
	if err != nil {
		return fmt.Errorf("setting token %q: %w", key, err)
	}
	return nil
}

func (s *TokenStore) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting token %q: %w", key, err)
	}
	return nil
}
