package storage

import (
	"errors"
	"sort"
	"time"

	"spotwatt/internal/domain"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("storage: not found")

// TaskIndex records the outstanding delivery task handles of one user, by type.
type TaskIndex map[domain.NotificationType][]string

// Handles flattens the index into a sorted set.
func (ix TaskIndex) Handles() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, handles := range ix {
		for _, h := range handles {
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

// LedgerEntry is an append-only record of a created delivery task.
type LedgerEntry struct {
	Token     string
	Type      domain.NotificationType
	Handle    string
	FireAt    time.Time
	Title     string
	Body      string
	CreatedAt time.Time
}
