// Package idgen generates identifiers for groundkeeper records.
//
// IDs are UUIDv7 (time-sortable) with a short per-entity prefix so a bare ID
// in a log line tells which table it belongs to.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed prefix to every ID of gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the generator behind New and the entity generators.
var Default Generator = UUIDv7()

// New produces an unprefixed ID.
func New() string {
	return Default()
}

// Entity generators.
var (
	Connection = Prefixed("conn_", func() string { return Default() })
	Discovery  = Prefixed("disc_", func() string { return Default() })
	Page       = Prefixed("page_", func() string { return Default() })
	Extraction = Prefixed("ext_", func() string { return Default() })
	Document   = Prefixed("doc_", func() string { return Default() })
	Suggestion = Prefixed("sug_", func() string { return Default() })
	Knowledge  = Prefixed("kn_", func() string { return Default() })
	Missed     = Prefixed("mq_", func() string { return Default() })
	Usage      = Prefixed("use_", func() string { return Default() })
	DriftEvent = Prefixed("drift_", func() string { return Default() })
)

// Parse validates an ID, with or without an entity prefix, and returns it.
func Parse(s string) (string, error) {
	raw := s
	if i := strings.IndexByte(s, '_'); i >= 0 {
		raw = s[i+1:]
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("idgen: invalid id %q: %w", s, err)
	}
	return s, nil
}
