package core

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const tokenLabel = "driftline-rejoin"

// DeriveRejoinToken derives the rejoin token for a seat from the shared
// session secret. Both ends compute it independently; it never needs to be
// stored server-side.
func DeriveRejoinToken(secret, matchID, playerID string) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", fmt.Errorf("token: empty secret")
	}
	if matchID == "" || playerID == "" {
		return "", fmt.Errorf("token: match and player IDs are required")
	}
	reader := hkdf.New(sha256.New, []byte(secret), []byte(matchID), []byte(tokenLabel+"/"+playerID))
	raw := make([]byte, 16)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// VerifyRejoinToken checks a presented token in constant time.
func VerifyRejoinToken(secret, matchID, playerID, token string) bool {
	want, err := DeriveRejoinToken(secret, matchID, playerID)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}
