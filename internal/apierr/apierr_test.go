package apierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCode(t *testing.T) {
	tests := []struct {
		code     int32
		expected Kind
	}{
		{1, KindInternal},
		{2, KindNetwork},
		{3, KindSerialization},
		{4, KindVpnStart},
		{5, KindNotInitialized},
		{6, KindWriteMetadata},
		{7, KindVpnNotStarted},
		{0, KindUnknown},
		{-1, KindUnknown},
		{8, KindUnknown},
		{42, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("code %d", tt.code), func(t *testing.T) {
			assert.Equal(t, tt.expected, FromCode(tt.code))
		})
	}
}

func TestKind_CodeRoundTrip(t *testing.T) {
	for code := int32(1); code <= 7; code++ {
		assert.Equal(t, code, FromCode(code).Code())
	}

	assert.Equal(t, int32(0), KindUnknown.Code())
	assert.Equal(t, int32(0), KindBusy.Code())
	assert.Equal(t, int32(0), KindDescriptorNotFound.Code())
}

func TestKind_Retryable(t *testing.T) {
	assert.True(t, KindNetwork.Retryable())
	assert.True(t, KindVpnStart.Retryable())
	assert.True(t, KindBusy.Retryable())
	assert.False(t, KindInternal.Retryable())
	assert.False(t, KindSerialization.Retryable())
	assert.False(t, KindNotInitialized.Retryable())
}

func TestAllKinds_Unique(t *testing.T) {
	seen := make(map[Kind]bool)
	for _, k := range AllKinds() {
		assert.False(t, seen[k], "duplicate kind %s", k)
		seen[k] = true
	}
	assert.Len(t, seen, 14)
}

func TestError_Is(t *testing.T) {
	cause := errors.New("connection refused")
	err := E(KindNetwork, "fetch servers", cause)

	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrSerialization)

	wrapped := fmt.Errorf("outer: %w", err)
	assert.ErrorIs(t, wrapped, ErrNetwork)
	assert.Equal(t, KindNetwork, KindOf(wrapped))
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "initialize: network: boom", E(KindNetwork, "initialize", errors.New("boom")).Error())
	assert.Equal(t, "stop: busy", E(KindBusy, "stop", nil).Error())
	assert.Equal(t, "internal: boom", E(KindInternal, "", errors.New("boom")).Error())
	assert.Equal(t, "unknown", E(KindUnknown, "", nil).Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindBusy, KindOf(ErrBusy))
}

func TestWrap(t *testing.T) {
	require.NoError(t, Wrap(KindNetwork, "op", nil))

	plain := errors.New("plain")
	wrapped := Wrap(KindSerialization, "decode", plain)
	assert.Equal(t, KindSerialization, KindOf(wrapped))

	typed := E(KindNetwork, "dial", plain)
	assert.Same(t, typed, Wrap(KindInternal, "other", typed))
}
