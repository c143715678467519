package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// tokenByteLength gives generated secrets 256 bits of entropy, hex-encoded
// to 64 characters.
const tokenByteLength = 32

// GenerateSecureToken returns a random hex token from crypto/rand. The
// gateway compares it by SHA-256 digest, so length carries no timing signal.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, tokenByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secure token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
