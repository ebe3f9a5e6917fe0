package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
)

// Ensure IntentLog implements the interface.
var _ driven.IntentLog = (*IntentLog)(nil)

// IntentLog is an in-memory implementation of driven.IntentLog for testing.
type IntentLog struct {
	mu         sync.Mutex
	intents    map[string]domain.Intent
	generation uint64
}

// NewIntentLog creates a new in-memory intent log.
func NewIntentLog() *IntentLog {
	return &IntentLog{intents: make(map[string]domain.Intent)}
}

// Begin records a pending intent.
func (l *IntentLog) Begin(_ context.Context, intent *domain.Intent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.intents[intent.TxnID]; ok {
		return fmt.Errorf("%w: intent %s already recorded", domain.ErrInvalidInput, intent.TxnID)
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}
	intent.State = domain.IntentPending
	l.intents[intent.TxnID] = *intent
	return nil
}

// Commit marks an intent committed.
func (l *IntentLog) Commit(_ context.Context, txnID string, generation uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.finish(txnID, domain.IntentCommitted); err != nil {
		return err
	}
	if generation > l.generation {
		l.generation = generation
	}
	return nil
}

// Rollback marks an intent rolled back.
func (l *IntentLog) Rollback(_ context.Context, txnID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finish(txnID, domain.IntentRolledBack)
}

func (l *IntentLog) finish(txnID string, state domain.IntentState) error {
	in, ok := l.intents[txnID]
	if !ok || in.State != domain.IntentPending {
		return fmt.Errorf("%w: no pending intent %s", domain.ErrNotFound, txnID)
	}
	in.State = state
	l.intents[txnID] = in
	return nil
}

// Pending returns unfinished intents, oldest first.
func (l *IntentLog) Pending(_ context.Context) ([]domain.Intent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Intent
	for _, in := range l.intents {
		if in.State == domain.IntentPending {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TxnID < out[j].TxnID
	})
	return out, nil
}

// State returns the recorded state of an intent.
func (l *IntentLog) State(txnID string) (domain.IntentState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.intents[txnID]
	return in.State, ok
}

// Generation returns the last committed generation.
func (l *IntentLog) Generation(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation, nil
}

// SetGeneration records the generation.
func (l *IntentLog) SetGeneration(_ context.Context, generation uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation = generation
	return nil
}
