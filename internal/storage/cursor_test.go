package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCursorRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	createdAt := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	id := uuid.New()

	token := encodeCursor(createdAt, id)

	decoded, err := decodeCursor(token)
	if err != nil {
		t.Fatalf("decodeCursor: %v", err)
	}

	if !decoded.createdAt.Equal(createdAt) {
		t.Errorf("createdAt = %v, want %v", decoded.createdAt, createdAt)
	}

	if decoded.id != id {
		t.Errorf("id = %v, want %v", decoded.id, id)
	}
}

func TestDecodeCursorEmptyMeansFirstPage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cur, err := decodeCursor("")
	if err != nil {
		t.Fatalf("decodeCursor: %v", err)
	}

	if cur != nil {
		t.Errorf("empty token should decode to nil cursor, got %+v", cur)
	}
}

func TestDecodeCursorInvalid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name  string
		token string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"no separator", "bm9zZXBhcmF0b3I"},          // "noseparator"
		{"bad timestamp", "bm90YXRpbWV8bm90YXV1aWQ"}, // "notatime|notauuid"
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeCursor(tt.token); !errors.Is(err, ErrInvalidCursor) {
				t.Errorf("error = %v, want ErrInvalidCursor", err)
			}
		})
	}
}

func TestNormalizeLimit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		in   int
		want int
	}{
		{0, DefaultPageSize},
		{-5, DefaultPageSize},
		{1, 1},
		{50, 50},
		{100, 100},
		{101, MaxPageSize},
		{1000, MaxPageSize},
	}

	for _, tt := range tests {
		if got := normalizeLimit(tt.in); got != tt.want {
			t.Errorf("normalizeLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
