package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
)

// UpdateEntry is one persisted CRDT update.
type UpdateEntry struct {
	Seq       int64
	ActorID   *uuid.UUID
	Update    []byte
	CreatedAt time.Time
}

// StateRecord mirrors the document's control row.
type StateRecord struct {
	LatestSnapshotSeq int64
	LatestSnapshotKey *string
	LatestUpdateSeq   int64
}

// UpdateLog is the append-only per-document log. Appends are serialized
// by the database: bumping the counter takes a row lock on the control
// record, so two concurrent appenders can never receive the same
// sequence or produce a non-monotone tail.
type UpdateLog struct {
	pool *pgxpool.Pool
}

func NewUpdateLog(db *DB) *UpdateLog {
	return &UpdateLog{pool: db.Pool}
}

// Append assigns the next sequence and persists the update in one
// transaction. Returns the assigned sequence.
func (l *UpdateLog) Append(ctx context.Context, documentID uuid.UUID, actorID *uuid.UUID, update []byte) (int64, error) {
	if len(update) == 0 {
		return 0, common.E(common.KindValidation, "empty update")
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, common.Wrap(common.KindTransient, "starting append transaction", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE document_states
		    SET latest_update_seq = latest_update_seq + 1, updated_at = now()
		  WHERE document_id = $1
		RETURNING latest_update_seq`,
		documentID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, common.E(common.KindNotFound, "document state missing")
	}
	if err != nil {
		return 0, common.Wrap(common.KindTransient, "assigning sequence", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO document_updates (document_id, seq, actor_id, update) VALUES ($1, $2, $3, $4)`,
		documentID, seq, actorID, update,
	)
	if err != nil {
		return 0, common.Wrap(common.KindTransient, "inserting update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, common.Wrap(common.KindTransient, "committing append", err)
	}
	return seq, nil
}

// Tail returns entries with sequence strictly greater than afterSeq,
// ascending.
func (l *UpdateLog) Tail(ctx context.Context, documentID uuid.UUID, afterSeq int64) ([]UpdateEntry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT seq, actor_id, update, created_at
		   FROM document_updates
		  WHERE document_id = $1 AND seq > $2
		  ORDER BY seq ASC`,
		documentID, afterSeq,
	)
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "querying tail", err)
	}
	defer rows.Close()

	var entries []UpdateEntry
	for rows.Next() {
		var e UpdateEntry
		if err := rows.Scan(&e.Seq, &e.ActorID, &e.Update, &e.CreatedAt); err != nil {
			return nil, common.Wrap(common.KindTransient, "scanning tail row", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, common.Wrap(common.KindTransient, "iterating tail", err)
	}
	return entries, nil
}

// State reads the control record.
func (l *UpdateLog) State(ctx context.Context, documentID uuid.UUID) (*StateRecord, error) {
	var rec StateRecord
	err := l.pool.QueryRow(ctx,
		`SELECT latest_snapshot_seq, latest_snapshot_key, latest_update_seq
		   FROM document_states WHERE document_id = $1`,
		documentID,
	).Scan(&rec.LatestSnapshotSeq, &rec.LatestSnapshotKey, &rec.LatestUpdateSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.E(common.KindNotFound, "document state missing")
	}
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "loading document state", err)
	}
	return &rec, nil
}

// SnapshotMark advances the snapshot pointer to seq with objectKey and
// optionally prunes entries at or below seq. The guard clauses make a
// late or duplicate snapshot a no-op Conflict rather than a regression:
// the pointer only moves forward, and never past the log head.
func (l *UpdateLog) SnapshotMark(ctx context.Context, documentID uuid.UUID, seq int64, objectKey string, prune bool) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return common.Wrap(common.KindTransient, "starting snapshot transaction", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE document_states
		    SET latest_snapshot_seq = $2, latest_snapshot_key = $3, updated_at = now()
		  WHERE document_id = $1
		    AND latest_snapshot_seq < $2
		    AND latest_update_seq >= $2`,
		documentID, seq, objectKey,
	)
	if err != nil {
		return common.Wrap(common.KindTransient, "advancing snapshot pointer", err)
	}
	if tag.RowsAffected() == 0 {
		return common.E(common.KindConflict, "snapshot pointer not advanced")
	}

	if prune {
		_, err = tx.Exec(ctx,
			`DELETE FROM document_updates WHERE document_id = $1 AND seq <= $2`,
			documentID, seq,
		)
		if err != nil {
			return common.Wrap(common.KindTransient, "pruning update log", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return common.Wrap(common.KindTransient, "committing snapshot mark", err)
	}
	return nil
}
