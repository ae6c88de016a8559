package storage

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key, err := GenerateAPIKey("dashboard")
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	if !strings.HasPrefix(key, "tickerflow_ak_") {
		t.Errorf("key %q missing prefix", key)
	}

	if len(key) != apiKeyLength {
		t.Errorf("key length = %d, want %d", len(key), apiKeyLength)
	}

	other, err := GenerateAPIKey("dashboard")
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	if key == other {
		t.Error("two generated keys should differ")
	}

	if _, err := GenerateAPIKey(""); !errors.Is(err, ErrClientIDEmpty) {
		t.Errorf("empty client id error = %v, want ErrClientIDEmpty", err)
	}
}

func TestParseAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid, _ := GenerateAPIKey("scheduler")

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"plain key", valid, nil},
		{"bearer prefix", "Bearer " + valid, nil},
		{"empty", "", ErrKeyStringEmpty},
		{"wrong prefix", "otherapp_ak_" + strings.Repeat("a", 64), ErrInvalidKeyFormat},
		{"truncated", valid[:40], ErrInvalidKeyLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseAPIKey(tt.input)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("ParseAPIKey: %v", err)
			}

			if parsed != valid {
				t.Errorf("parsed = %q, want %q", parsed, valid)
			}
		})
	}
}

func TestMaskKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key, _ := GenerateAPIKey("cli")

	masked := MaskKey(key)
	if len(masked) != len(key) {
		t.Errorf("masked length = %d, want %d", len(masked), len(key))
	}

	if !strings.HasPrefix(masked, key[:maskPrefixLen]) {
		t.Error("mask should keep the identifying prefix")
	}

	if !strings.HasSuffix(masked, key[len(key)-maskSuffixLen:]) {
		t.Error("mask should keep the last 4 chars")
	}

	if strings.Contains(masked, key[maskPrefixLen:len(key)-maskSuffixLen]) {
		t.Error("mask should hide the middle of the key")
	}

	// Non-standard lengths are masked completely.
	if got := MaskKey("short"); got != "*****" {
		t.Errorf("MaskKey(short) = %q", got)
	}

	if got := MaskKey(""); got != "" {
		t.Errorf("MaskKey(empty) = %q", got)
	}
}

func TestAPIKeyValidateKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	raw, _ := GenerateAPIKey("dashboard")
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name string
		key  APIKey
		want bool
	}{
		{"active key matches", APIKey{Key: raw, Active: true}, true},
		{"inactive key rejected", APIKey{Key: raw, Active: false}, false},
		{"expired key rejected", APIKey{Key: raw, Active: true, ExpiresAt: &past}, false},
		{"unexpired key matches", APIKey{Key: raw, Active: true, ExpiresAt: &future}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.ValidateKey(raw); got != tt.want {
				t.Errorf("ValidateKey = %v, want %v", got, tt.want)
			}
		})
	}

	wrong, _ := GenerateAPIKey("dashboard")
	if (&APIKey{Key: raw, Active: true}).ValidateKey(wrong) {
		t.Error("different key should not validate")
	}
}

func TestHashAndCompareAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key, _ := GenerateAPIKey("dashboard")

	hash, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}

	if hash == key {
		t.Fatal("hash must not equal plaintext")
	}

	if !CompareAPIKeyHash(hash, key) {
		t.Error("hash should match its source key")
	}

	other, _ := GenerateAPIKey("dashboard")
	if CompareAPIKeyHash(hash, other) {
		t.Error("hash should not match a different key")
	}

	// Identical keys hash differently (random salt).
	hash2, _ := HashAPIKey(key)
	if hash == hash2 {
		t.Error("two hashes of the same key should differ")
	}

	if _, err := HashAPIKey(""); !errors.Is(err, ErrKeyNil) {
		t.Errorf("empty key error = %v, want ErrKeyNil", err)
	}
}
