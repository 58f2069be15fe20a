package keyring

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	zkeyring "github.com/zalando/go-keyring"
)

const testServer = "https://api.devop.pw"

func TestSystemKeyring_SaveGet(t *testing.T) {
	zkeyring.MockInit()
	store := NewSystemKeyring()

	require.NoError(t, store.Save(testServer, "app-token-1"))

	token, err := store.Get(testServer)
	require.NoError(t, err)
	assert.Equal(t, "app-token-1", token)
}

func TestSystemKeyring_PerServer(t *testing.T) {
	zkeyring.MockInit()
	store := NewSystemKeyring()

	require.NoError(t, store.Save(testServer, "a"))
	require.NoError(t, store.Save("http://127.0.0.1:8080", "b"))

	a, err := store.Get(testServer)
	require.NoError(t, err)
	b, err := store.Get("http://127.0.0.1:8080")
	require.NoError(t, err)

	assert.Equal(t, "a", a)
	assert.Equal(t, "b", b)
}

func TestSystemKeyring_Get_NotFound(t *testing.T) {
	zkeyring.MockInit()
	store := NewSystemKeyring()

	_, err := store.Get(testServer)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestSystemKeyring_Delete(t *testing.T) {
	zkeyring.MockInit()
	store := NewSystemKeyring()

	require.NoError(t, store.Save(testServer, "gone-soon"))
	require.NoError(t, store.Delete(testServer))

	_, err := store.Get(testServer)
	assert.ErrorIs(t, err, ErrTokenNotFound)

	// Idempotent.
	assert.NoError(t, store.Delete(testServer))
}

func TestSystemKeyring_Validation(t *testing.T) {
	zkeyring.MockInit()
	store := NewSystemKeyring()

	tests := []struct {
		name      string
		apiServer string
	}{
		{"empty", ""},
		{"no scheme", "api.devop.pw"},
		{"no host", "https://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, store.Save(tt.apiServer, "x"), ErrInvalidAPIServer)
			_, err := store.Get(tt.apiServer)
			assert.ErrorIs(t, err, ErrInvalidAPIServer)
			assert.ErrorIs(t, store.Delete(tt.apiServer), ErrInvalidAPIServer)
		})
	}

	assert.ErrorIs(t, store.Save(testServer, ""), ErrEmptyToken)
}

func TestSystemKeyring_BackendErrors(t *testing.T) {
	backendErr := errors.New("dbus unavailable")
	zkeyring.MockInitWithError(backendErr)
	store := NewSystemKeyring()

	err := store.Save(testServer, "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, backendErr)
	assert.Contains(t, err.Error(), "failed to store app token")

	_, err = store.Get(testServer)
	assert.ErrorIs(t, err, backendErr)
	assert.NotErrorIs(t, err, ErrTokenNotFound)

	err = store.Delete(testServer)
	assert.ErrorIs(t, err, backendErr)
}

func TestSystemKeyring_ImplementsTokenStore(t *testing.T) {
	var _ TokenStore = NewSystemKeyring()
}
