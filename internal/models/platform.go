package models

import (
	"fmt"
	"strings"
)

// Platform names an external blogging platform.
type Platform string

const (
	PlatformDevTo    Platform = "dev.to"
	PlatformHashnode Platform = "hashnode"
	PlatformMedium   Platform = "medium"
)

var knownPlatforms = []Platform{PlatformDevTo, PlatformHashnode, PlatformMedium}

// KnownPlatforms returns every platform the orchestrator understands.
func KnownPlatforms() []Platform {
	out := make([]Platform, len(knownPlatforms))
	copy(out, knownPlatforms)
	return out
}

// ParsePlatform accepts the canonical names plus a few common spellings.
func ParsePlatform(name string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "dev.to", "devto", "dev-to":
		return PlatformDevTo, nil
	case "hashnode":
		return PlatformHashnode, nil
	case "medium":
		return PlatformMedium, nil
	}
	return "", fmt.Errorf("unsupported platform %q", name)
}

func (p Platform) String() string {
	return string(p)
}
