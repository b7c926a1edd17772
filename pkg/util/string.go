package util

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	slugInvalid    = regexp.MustCompile(`[^a-z0-9\p{Han}]+`) // Allow Chinese characters
	alphanumOnly   = regexp.MustCompile(`[^a-z0-9]+`)
	tagSeparatorRe = strings.NewReplacer(" ", "-", "_", "-")
)

// GenerateSlug creates a URL-friendly slug from title
func GenerateSlug(title string) string {
	slug := strings.ToLower(title)
	slug = slugInvalid.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")

	if len(slug) > 50 {
		slug = TruncateBytes(slug, 50)
		slug = strings.Trim(slug, "-")
	}

	return slug
}

// TagSlug lowercases a tag name and turns spaces and underscores into hyphens.
func TagSlug(name string) string {
	return tagSeparatorRe.Replace(strings.ToLower(strings.TrimSpace(name)))
}

// AlphanumericTag strips everything but lowercase letters and digits.
func AlphanumericTag(name string) string {
	return alphanumOnly.ReplaceAllString(strings.ToLower(name), "")
}

// Truncate caps s at max runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// TruncateBytes caps s at max bytes without splitting a multi-byte rune.
func TruncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
