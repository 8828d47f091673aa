package calsync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildStoresFromDSN constructs the store bundle for a DSN.
//
// Supported schemes:
//
//	memory://            process-local stores, lost on exit
//	postgres://...       shared postgres database
//	postgresql://...     alias for postgres
func BuildStoresFromDSN(dsn string) (*Stores, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("store DSN is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store DSN: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return NewMemoryStores(), nil
	case "postgres", "postgresql":
		return NewPostgresStores(dsn)
	default:
		return nil, fmt.Errorf("unsupported store DSN scheme %q", parsed.Scheme)
	}
}
