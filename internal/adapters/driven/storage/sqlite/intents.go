package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
)

// intentLog implements driven.IntentLog.
type intentLog struct {
	store *Store
}

var _ driven.IntentLog = (*intentLog)(nil)

// Begin durably records a pending intent.
func (l *intentLog) Begin(ctx context.Context, intent *domain.Intent) error {
	newJSON, err := json.Marshal(nonNil(intent.NewChunkIDs))
	if err != nil {
		return fmt.Errorf("marshalling new chunk ids: %w", err)
	}
	oldJSON, err := json.Marshal(nonNil(intent.OldChunkIDs))
	if err != nil {
		return fmt.Errorf("marshalling old chunk ids: %w", err)
	}
	var previous sql.NullString
	if intent.Previous != nil {
		b, err := json.Marshal(intent.Previous)
		if err != nil {
			return fmt.Errorf("marshalling previous document: %w", err)
		}
		previous = sql.NullString{String: string(b), Valid: true}
	}

	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}
	intent.State = domain.IntentPending

	_, err = l.store.db.ExecContext(ctx, `
		INSERT INTO intents (txn_id, document_id, new_chunk_ids, old_chunk_ids, previous, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, intent.TxnID, intent.DocumentID, string(newJSON), string(oldJSON), previous,
		string(domain.IntentPending), intent.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording intent: %w", err)
	}
	return nil
}

// Commit marks an intent committed and raises the recorded generation.
func (l *intentLog) Commit(ctx context.Context, txnID string, generation uint64) error {
	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := finish(ctx, tx, txnID, domain.IntentCommitted, generation); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE kb_state SET generation = MAX(generation, ?) WHERE id = 1", int64(generation)); err != nil {
		return fmt.Errorf("recording generation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Rollback marks an intent rolled back.
func (l *intentLog) Rollback(ctx context.Context, txnID string) error {
	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := finish(ctx, tx, txnID, domain.IntentRolledBack, 0); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func finish(ctx context.Context, tx *sql.Tx, txnID string, state domain.IntentState, generation uint64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE intents SET state = ?, generation = ?, finished_at = ?
		WHERE txn_id = ? AND state = ?
	`, string(state), int64(generation), time.Now().UTC(), txnID, string(domain.IntentPending))
	if err != nil {
		return fmt.Errorf("updating intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating intent: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: no pending intent %s", domain.ErrNotFound, txnID)
	}
	return nil
}

// Pending returns unfinished intents, oldest first.
func (l *intentLog) Pending(ctx context.Context) ([]domain.Intent, error) {
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT txn_id, document_id, new_chunk_ids, old_chunk_ids, previous, created_at
		FROM intents WHERE state = ?
		ORDER BY created_at, txn_id
	`, string(domain.IntentPending))
	if err != nil {
		return nil, fmt.Errorf("querying intents: %w", err)
	}
	defer rows.Close()

	var intents []domain.Intent //nolint:prealloc // size unknown from query
	for rows.Next() {
		var in domain.Intent
		var newJSON, oldJSON string
		var previous sql.NullString
		if err := rows.Scan(&in.TxnID, &in.DocumentID, &newJSON, &oldJSON,
			&previous, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning intent: %w", err)
		}
		if err := json.Unmarshal([]byte(newJSON), &in.NewChunkIDs); err != nil {
			return nil, fmt.Errorf("unmarshalling new chunk ids: %w", err)
		}
		if err := json.Unmarshal([]byte(oldJSON), &in.OldChunkIDs); err != nil {
			return nil, fmt.Errorf("unmarshalling old chunk ids: %w", err)
		}
		if previous.Valid {
			var doc domain.Document
			if err := json.Unmarshal([]byte(previous.String), &doc); err != nil {
				return nil, fmt.Errorf("unmarshalling previous document: %w", err)
			}
			in.Previous = &doc
		}
		in.State = domain.IntentPending
		intents = append(intents, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating intents: %w", err)
	}
	return intents, nil
}

// Generation returns the generation recorded by the last commit.
func (l *intentLog) Generation(ctx context.Context) (uint64, error) {
	var g int64
	if err := l.store.db.QueryRowContext(ctx,
		"SELECT generation FROM kb_state WHERE id = 1").Scan(&g); err != nil {
		return 0, fmt.Errorf("reading generation: %w", err)
	}
	return uint64(g), nil
}

// SetGeneration records the generation after recovery or restore.
func (l *intentLog) SetGeneration(ctx context.Context, generation uint64) error {
	if _, err := l.store.db.ExecContext(ctx,
		"UPDATE kb_state SET generation = ? WHERE id = 1", int64(generation)); err != nil {
		return fmt.Errorf("recording generation: %w", err)
	}
	return nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
