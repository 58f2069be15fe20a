// Package keyring keeps application tokens in the system keyring so the CLI
// does not need them on the command line.
package keyring

import (
	"errors"
	"fmt"
	"net/url"

	zkeyring "github.com/zalando/go-keyring"
)

// ServiceName is the identifier used for storing tokens in the system keyring.
const ServiceName = "apivpn"

var (
	// ErrTokenNotFound is returned when no token is stored for an API server.
	ErrTokenNotFound = errors.New("app token not found")
	// ErrInvalidAPIServer is returned when the account key is not an absolute URL.
	ErrInvalidAPIServer = errors.New("invalid api server: must be an absolute URL")
	// ErrEmptyToken is returned when saving an empty token.
	ErrEmptyToken = errors.New("app token must not be empty")
)

// TokenStore stores one application token per API server.
type TokenStore interface {
	Save(apiServer, token string) error
	Get(apiServer string) (string, error)
	Delete(apiServer string) error
}

// SystemKeyring implements TokenStore using the system keyring.
type SystemKeyring struct{}

// NewSystemKeyring creates a new SystemKeyring instance.
func NewSystemKeyring() *SystemKeyring {
	return &SystemKeyring{}
}

// Save stores token for the normalized API server URL.
func (s *SystemKeyring) Save(apiServer, token string) error {
	if err := validateAPIServer(apiServer); err != nil {
		return err
	}
	if token == "" {
		return ErrEmptyToken
	}
	if err := zkeyring.Set(ServiceName, apiServer, token); err != nil {
		return fmt.Errorf("failed to store app token: %w", err)
	}
	return nil
}

// Get returns the token for apiServer, or ErrTokenNotFound.
func (s *SystemKeyring) Get(apiServer string) (string, error) {
	if err := validateAPIServer(apiServer); err != nil {
		return "", err
	}
	token, err := zkeyring.Get(ServiceName, apiServer)
	if err != nil {
		if errors.Is(err, zkeyring.ErrNotFound) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("failed to retrieve app token: %w", err)
	}
	return token, nil
}

// Delete removes the token for apiServer. Deleting a missing token is not an error.
func (s *SystemKeyring) Delete(apiServer string) error {
	if err := validateAPIServer(apiServer); err != nil {
		return err
	}
	if err := zkeyring.Delete(ServiceName, apiServer); err != nil {
		if errors.Is(err, zkeyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete app token: %w", err)
	}
	return nil
}

func validateAPIServer(apiServer string) error {
	u, err := url.Parse(apiServer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ErrInvalidAPIServer
	}
	return nil
}
