// Package memory provides an in-memory Ledger used by unit tests and
// by the server's standalone mode (no DATABASE_URL configured). It
// enforces the same one-open-session constraint the Postgres adapter
// gets from its partial unique index.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pouchlab/pouchpulse/internal/domain"
)

type Ledger struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]domain.Session
}

func NewLedger() *Ledger {
	return &Ledger{sessions: make(map[uuid.UUID]domain.Session)}
}

func (l *Ledger) Create(_ context.Context, s domain.Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.sessions {
		if existing.Open() {
			return domain.ErrSessionActive
		}
	}
	l.sessions[s.ID] = s
	return nil
}

func (l *Ledger) Close(_ context.Context, id uuid.UUID, endTime time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[id]
	if !ok || !s.Open() {
		return false, nil
	}
	if endTime.Before(s.StartTime) {
		endTime = s.StartTime
	}
	s.EndTime = &endTime
	l.sessions[id] = s
	return true, nil
}

func (l *Ledger) Get(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := s
	return &cp, nil
}

func (l *Ledger) Open(_ context.Context) ([]domain.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var open []domain.Session
	for _, s := range l.sessions {
		if s.Open() {
			open = append(open, s)
		}
	}
	sortByStart(open)
	return open, nil
}

func (l *Ledger) StartedSince(_ context.Context, cutoff time.Time) ([]domain.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.Session
	for _, s := range l.sessions {
		if !s.StartTime.Before(cutoff) {
			out = append(out, s)
		}
	}
	sortByStart(out)
	return out, nil
}

// Inject adds a session without the one-open check. Tests use it to
// simulate an open session that appeared through replication rather
// than through this process.
func (l *Ledger) Inject(s domain.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[s.ID] = s
}

func sortByStart(sessions []domain.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
}
