package util

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
)

var (
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	m       sync.Mutex
)

// NewULID returns a lowercase ULID. Ids generated by one process sort in generation order.
func NewULID() string {
	m.Lock()
	defer m.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}

// NewShortId returns n random lowercase hex characters, used to make directory and file names unique.
func NewShortId(n int) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	for len(id) < n {
		id += strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	return id[:n]
}
