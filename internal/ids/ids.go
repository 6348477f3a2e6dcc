// Package ids generates the ULID identifiers used for messages across the
// simulator. ULIDs are time-sortable and globally unique, so message IDs
// double as a rough creation-order key when inspecting queue contents.
package ids

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// monoEntropy is a package-level monotone entropy source shared across all
// New calls. Using a single shared source keeps ULIDs lexicographically
// ordered even when generated within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New generates a fresh ULID string from the shared monotone entropy source.
// The mutex ensures monotonicity across concurrent calls.
func New() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNew is like New but panics on error. Use only in tests or init code.
func MustNew() string {
	id, err := New()
	if err != nil {
		panic(fmt.Sprintf("ids.MustNew: %v", err))
	}
	return id
}

// Valid reports whether s is a well-formed ULID string.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
