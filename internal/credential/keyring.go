// Package credential persists account credentials in the platform
// secret store.
package credential

import (
	"encoding/json"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/realmail/realmail/internal/model"
)

const serviceName = "realmail"

// Store keeps one credential per account ID in the system keyring,
// serialized as JSON.
type Store struct {
	ring keyring.Keyring
}

// Open returns a Store over the platform keyring.
func Open() (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/realmail/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("realmail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// NewWithRing wraps an existing keyring. Used by tests with an
// in-memory backend.
func NewWithRing(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Get retrieves the credential stored for an account.
func (s *Store) Get(accountID string) (model.Credential, error) {
	item, err := s.ring.Get(accountID)
	if err != nil {
		return model.Credential{}, fmt.Errorf("getting credential for %q: %w", accountID, err)
	}

	var cred model.Credential
	if err := json.Unmarshal(item.Data, &cred); err != nil {
		return model.Credential{}, fmt.Errorf("decoding credential for %q: %w", accountID, err)
	}
	return cred, nil
}

// Set stores the credential for an account, replacing any previous one.
func (s *Store) Set(accountID string, cred model.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential for %q: %w", accountID, err)
	}

	err = s.ring.Set(keyring.Item{
		Key:  accountID,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("setting credential for %q: %w", accountID, err)
	}
	return nil
}

// Delete removes the credential stored for an account.
func (s *Store) Delete(accountID string) error {
	if err := s.ring.Remove(accountID); err != nil {
		return fmt.Errorf("deleting credential for %q: %w", accountID, err)
	}
	return nil
}
