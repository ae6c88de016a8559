package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
// API handlers map it to 400.
var ErrInvalidCursor = errors.New("invalid pagination cursor")

const cursorParts = 2

// cursor is a keyset pagination position: the created_at and id of the last
// row on the previous page. Ordering is (created_at DESC, id DESC), so the
// next page starts strictly below this position.
type cursor struct {
	createdAt time.Time
	id        uuid.UUID
}

// encodeCursor renders an opaque page token.
func encodeCursor(createdAt time.Time, id uuid.UUID) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id.String()

	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a page token produced by encodeCursor. An empty token
// means "first page" and returns a nil cursor.
func decodeCursor(token string) (*cursor, error) {
	if token == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}

	parts := strings.SplitN(string(raw), "|", cursorParts)
	if len(parts) != cursorParts {
		return nil, fmt.Errorf("%w: missing separator", ErrInvalidCursor)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp: %w", ErrInvalidCursor, err)
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad id: %w", ErrInvalidCursor, err)
	}

	return &cursor{createdAt: createdAt, id: id}, nil
}
