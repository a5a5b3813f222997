package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// maxAuthAttempts closes a connection after this many bad signatures.
const maxAuthAttempts = 3

// AuthHandler runs the HMAC challenge-response handshake. With an empty
// secret the gateway is open and every client is trusted on connect.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a handler for secret.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: sharedSecret}
}

// Required reports whether clients must authenticate.
func (a *AuthHandler) Required() bool {
	return a.sharedSecret != ""
}

// CheckSecret compares a plain secret, as sent in the /rpc header.
func (a *AuthHandler) CheckSecret(secret string) bool {
	if !a.Required() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(secret)) == 1
}

// GenerateChallenge returns 32 random bytes, hex encoded.
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign computes the expected hex HMAC-SHA256 of challenge.
func (a *AuthHandler) Sign(challenge string) string {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks signature against challenge in constant time.
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	return subtle.ConstantTimeCompare([]byte(a.Sign(challenge)), []byte(signature)) == 1
}

// HandleAuthResponse verifies a client's answer to its challenge.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "No challenge found"}
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}
		}
		return AuthResult{Event: "auth.failure", Message: "Invalid signature"}
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""
	return AuthResult{Event: "auth.success", Success: true}
}
