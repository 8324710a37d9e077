package memory

import (
	"context"
	"sync"
	"time"
)

// CursorStore keeps the fetch-window boundary in process memory. A restart
// loses it, which only widens the next window; the ledger keeps re-runs
// idempotent.
type CursorStore struct {
	mu       sync.Mutex
	boundary time.Time
}

func NewCursorStore() *CursorStore {
	return &CursorStore{}
}

func (s *CursorStore) Load(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundary, nil
}

func (s *CursorStore) Save(_ context.Context, boundary time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundary = boundary
	return nil
}
