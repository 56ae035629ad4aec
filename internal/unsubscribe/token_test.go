package unsubscribe

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	c := NewTokenCodec([]byte("signing-key"), 0)

	token := c.Generate("contact-1", "campaign-9")
	contactID, campaignID, err := c.Validate(token)

	require.NoError(t, err)
	assert.Equal(t, "contact-1", contactID)
	assert.Equal(t, "campaign-9", campaignID)
}

func TestTokenExpiry(t *testing.T) {
	c := NewTokenCodec([]byte("signing-key"), 30*24*time.Hour)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	c.now = func() time.Time { return base }
	token := c.Generate("contact-1", "campaign-9")

	// Inside the window.
	c.now = func() time.Time { return base.Add(29 * 24 * time.Hour) }
	_, _, err := c.Validate(token)
	assert.NoError(t, err)

	// Past the window: distinct expired error, not a signature failure.
	c.now = func() time.Time { return base.Add(31 * 24 * time.Hour) }
	_, _, err = c.Validate(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenTamperingFailsSignature(t *testing.T) {
	c := NewTokenCodec([]byte("signing-key"), 0)
	token := c.Generate("contact-1", "campaign-9")

	decoded, err := base64.URLEncoding.DecodeString(token)
	require.NoError(t, err)

	// Flip one byte anywhere in the encoded payload.
	for i := 0; i < len(decoded); i++ {
		mutated := append([]byte(nil), decoded...)
		mutated[i] ^= 0x01
		bad := base64.URLEncoding.EncodeToString(mutated)

		_, _, err := c.Validate(bad)
		assert.Error(t, err, "byte %d", i)
	}
}

func TestTokenWrongKey(t *testing.T) {
	token := NewTokenCodec([]byte("key-a"), 0).Generate("c1", "c2")

	_, _, err := NewTokenCodec([]byte("key-b"), 0).Validate(token)
	assert.ErrorIs(t, err, ErrTokenSignature)
}

func TestTokenMalformed(t *testing.T) {
	c := NewTokenCodec([]byte("signing-key"), 0)

	_, _, err := c.Validate("not base64 at all!!")
	assert.ErrorIs(t, err, ErrTokenMalformed)

	_, _, err = c.Validate(base64.URLEncoding.EncodeToString([]byte("a:b")))
	assert.ErrorIs(t, err, ErrTokenMalformed)
}
