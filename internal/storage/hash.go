package storage

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost 10 lands around 60ms per comparison, slow enough to blunt
	// brute force without making key validation the dominant request cost.
	bcryptCost = 10

	// bcrypt silently truncates input past 72 bytes. Generated keys stay
	// under that, but imported keys may not.
	bcryptLimit = 72
)

// bcryptInput pre-hashes keys past the bcrypt input limit so no part of a
// long key is ignored. Hashing and comparison must agree on this.
func bcryptInput(apiKey string) []byte {
	if len(apiKey) <= bcryptLimit {
		return []byte(apiKey)
	}

	sum := sha256.Sum256([]byte(apiKey))

	return sum[:]
}

// HashAPIKey returns the bcrypt hash stored in place of the plaintext key.
// Each call salts independently, so equal keys produce distinct hashes.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrKeyNil
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(apiKey), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareAPIKeyHash reports whether the presented key matches the stored
// hash. Comparison is constant-time inside bcrypt; any malformed input
// simply fails to match.
func CompareAPIKeyHash(hash, apiKey string) bool {
	if hash == "" || apiKey == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(apiKey)) == nil
}
