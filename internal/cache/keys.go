package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Defaults for the locale and timezone key segments. The API serves a single
// locale today; the segments exist so keys stay stable if that changes.
const (
	DefaultLocale   = "en"
	DefaultTimezone = "UTC"
)

// shortHash returns the first 12 hex chars of the SHA-256 of s, enough to
// keep keys short while making collisions irrelevant at cache scale.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))

	return hex.EncodeToString(sum[:])[:12]
}

// PageKey builds the cache key for one list-page response:
// cache.page.<view>.GET.<path_hash>.<query_hash>.<locale>.<tz>.
func PageKey(view, path, rawQuery, locale, tz string) string {
	if locale == "" {
		locale = DefaultLocale
	}

	if tz == "" {
		tz = DefaultTimezone
	}

	return fmt.Sprintf("cache.page.%s.GET.%s.%s.%s.%s",
		view, shortHash(path), shortHash(rawQuery), locale, tz)
}

// HeaderKey builds the mirrored header-cache key:
// cache.header.<view>.<header_hash>.<locale>.<tz>.
func HeaderKey(view, headers, locale, tz string) string {
	if locale == "" {
		locale = DefaultLocale
	}

	if tz == "" {
		tz = DefaultTimezone
	}

	return fmt.Sprintf("cache.header.%s.%s.%s.%s",
		view, shortHash(headers), locale, tz)
}

// PagePattern is the eviction glob matching every cached page of a view.
func PagePattern(view string) string {
	return fmt.Sprintf("*cache.page.%s.GET.*", view)
}

// HeaderPattern is the eviction glob matching every cached header of a view.
func HeaderPattern(view string) string {
	return fmt.Sprintf("*cache.header.%s.*", view)
}
