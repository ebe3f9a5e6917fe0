package domain

import "time"

// IntentState tracks an ingestion transaction through the write-ahead log.
type IntentState string

// Intent states.
const (
	// IntentPending is recorded before either store is written.
	IntentPending IntentState = "pending"

	// IntentCommitted is recorded after both stores agree.
	IntentCommitted IntentState = "committed"

	// IntentRolledBack is recorded after speculative writes were undone.
	IntentRolledBack IntentState = "rolled_back"
)

// Intent is a write-ahead record of one ingestion or removal.
// It names every chunk id the transaction may touch so recovery can
// finish or undo it after a crash.
type Intent struct {
	// TxnID uniquely identifies the transaction.
	TxnID string

	// DocumentID is the document being written or removed.
	DocumentID string

	// NewChunkIDs are the chunks the transaction adds.
	NewChunkIDs []string

	// OldChunkIDs are the chunks the transaction supersedes.
	OldChunkIDs []string

	// Previous is the document record being replaced, if any.
	Previous *Document

	// State is the current transaction state.
	State IntentState

	// CreatedAt is when the intent was recorded.
	CreatedAt time.Time
}
