package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "desk-secret"

// signWith is what a desktop client computes for a challenge.
func signWith(secret, challenge string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

func setupTestChallenge(t *testing.T) (*AuthHandler, *Client) {
	t.Helper()
	auth := NewAuthHandler(testSecret)
	challenge, err := auth.GenerateChallenge()
	require.NoError(t, err)
	return auth, &Client{ID: "desk-1", Challenge: challenge}
}

func TestAuthHandler_Challenge(t *testing.T) {
	t.Run("should issue fresh hex challenges", func(t *testing.T) {
		auth := NewAuthHandler(testSecret)
		first, err := auth.GenerateChallenge()
		require.NoError(t, err)
		second, err := auth.GenerateChallenge()
		require.NoError(t, err)

		_, decodeErr := hex.DecodeString(first)
		assert.NoError(t, decodeErr)
		assert.Len(t, first, 64)
		assert.NotEqual(t, first, second)
	})

	t.Run("should accept only the matching secret", func(t *testing.T) {
		auth, client := setupTestChallenge(t)

		assert.True(t, auth.VerifySignature(client.Challenge, signWith(testSecret, client.Challenge)))
		assert.False(t, auth.VerifySignature(client.Challenge, signWith("other", client.Challenge)))
		assert.False(t, auth.VerifySignature(client.Challenge, "not-hex"))
		assert.Equal(t, signWith(testSecret, "abc"), auth.Sign("abc"))
	})
}

func TestAuthHandler_HandleAuthResponse(t *testing.T) {
	t.Run("should authenticate and clear the challenge", func(t *testing.T) {
		auth, client := setupTestChallenge(t)
		client.AuthAttempts = 1

		result := auth.HandleAuthResponse(client, signWith(testSecret, client.Challenge))

		assert.Equal(t, AuthResult{Event: "auth.success", Success: true}, result)
		assert.True(t, client.Authenticated)
		assert.Equal(t, StateAuthenticated, client.State)
		assert.Zero(t, client.AuthAttempts)
		assert.Empty(t, client.Challenge)
	})

	t.Run("should count bad signatures until the limit", func(t *testing.T) {
		auth, client := setupTestChallenge(t)

		for i := 1; i < maxAuthAttempts; i++ {
			result := auth.HandleAuthResponse(client, "bad")
			assert.Equal(t, "Invalid signature", result.Message)
			assert.Equal(t, i, client.AuthAttempts)
		}
		result := auth.HandleAuthResponse(client, "bad")

		assert.False(t, result.Success)
		assert.Equal(t, "Too many failed attempts", result.Message)
		assert.False(t, client.Authenticated)
	})

	t.Run("should refuse a response without a challenge", func(t *testing.T) {
		auth := NewAuthHandler(testSecret)

		result := auth.HandleAuthResponse(&Client{ID: "desk-2"}, "whatever")

		assert.Equal(t, "auth.failure", result.Event)
		assert.Equal(t, "No challenge found", result.Message)
	})
}

func TestAuthHandler_Secret(t *testing.T) {
	t.Run("should be open without a secret", func(t *testing.T) {
		auth := NewAuthHandler("")
		assert.False(t, auth.Required())
		assert.True(t, auth.CheckSecret(""))
		assert.True(t, auth.CheckSecret("anything"))
	})

	t.Run("should compare header secrets", func(t *testing.T) {
		auth := NewAuthHandler(testSecret)
		assert.True(t, auth.Required())
		assert.True(t, auth.CheckSecret(testSecret))
		assert.False(t, auth.CheckSecret(testSecret[:4]))
		assert.False(t, auth.CheckSecret(""))
	})
}
