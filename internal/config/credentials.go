package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// DefaultAPIServer is used when no API server is configured.
const DefaultAPIServer = "https://api.devop.pw"

var (
	// ErrEmptyAppToken is returned when no application token is given.
	ErrEmptyAppToken = errors.New("app token must not be empty")
	// ErrEmptyDataDir is returned when no data directory is given.
	ErrEmptyDataDir = errors.New("data directory must not be empty")
	// ErrRelativeDataDir is returned when the data directory is not absolute.
	ErrRelativeDataDir = errors.New("data directory must be an absolute path")
	// ErrInvalidAPIServer is returned when the API server is not a usable URL.
	ErrInvalidAPIServer = errors.New("invalid api server")
)

// Credentials are supplied by the host on initialize. They are immutable once
// accepted by a session.
type Credentials struct {
	AppToken  string `json:"-"`
	APIServer string `json:"api_server"`
	DataDir   string `json:"data_dir"`
}

// Normalize returns a copy with whitespace trimmed and the API server
// defaulted and given a scheme.
func (c Credentials) Normalize() Credentials {
	c.AppToken = strings.TrimSpace(c.AppToken)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir != "" {
		c.DataDir = filepath.Clean(c.DataDir)
	}

	api := strings.TrimSpace(c.APIServer)
	if api == "" {
		api = DefaultAPIServer
	}
	if !strings.Contains(api, "://") {
		api = "https://" + api
	}
	c.APIServer = strings.TrimRight(api, "/")
	return c
}

// Validate checks normalized credentials.
func (c Credentials) Validate() error {
	if c.AppToken == "" {
		return ErrEmptyAppToken
	}
	if c.DataDir == "" {
		return ErrEmptyDataDir
	}
	if !filepath.IsAbs(c.DataDir) {
		return ErrRelativeDataDir
	}

	u, err := url.Parse(c.APIServer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAPIServer, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAPIServer, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidAPIServer)
	}
	return nil
}

// IsStorageError reports whether err concerns the data directory.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrEmptyDataDir) || errors.Is(err, ErrRelativeDataDir)
}
