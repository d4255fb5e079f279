package model

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid"
)

// NewULID returns a lexically sortable identifier stamped with t.
func NewULID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}
