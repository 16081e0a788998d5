package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/oyaprotocol/contracts/pkg/events"
)

// EventLog implements events.Log. Appends are serialised so the chain head
// read and the insert cannot interleave.
type EventLog struct {
	db *sql.DB
	mu sync.Mutex
}

func NewEventLog(db *sql.DB) *EventLog {
	return &EventLog{db: db}
}

func (l *EventLog) Append(ctx context.Context, e *events.Envelope) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  int64
		head string
	)
	err = tx.QueryRowContext(ctx, `SELECT sequence, hash FROM events ORDER BY sequence DESC LIMIT 1`).Scan(&seq, &head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read chain head: %w", err)
	}
	if err := events.Seal(e, uint64(seq)+1, head); err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (sequence, event_id, type, account, payload, payload_hash, prev_hash, hash, archive_ref, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, int64(e.Sequence), e.EventID, string(e.Type), e.Account.Hex(), string(e.Payload),
		e.PayloadHash, e.PrevHash, e.Hash, e.ArchiveRef, unixNano(e.CommittedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}
	return e.Sequence, nil
}

func (l *EventLog) Range(ctx context.Context, start, end uint64) ([]*events.Envelope, error) {
	if start == 0 || start > end {
		return nil, fmt.Errorf("invalid range: [%d, %d]", start, end)
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT sequence, event_id, type, account, payload, payload_hash, prev_hash, hash, archive_ref, committed_at
		FROM events WHERE sequence >= $1 AND sequence <= $2 ORDER BY sequence ASC
	`, int64(start), int64(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*events.Envelope{}
	for rows.Next() {
		var (
			e                     events.Envelope
			seq, committed        int64
			typ, account, payload string
		)
		if err := rows.Scan(&seq, &e.EventID, &typ, &account, &payload,
			&e.PayloadHash, &e.PrevHash, &e.Hash, &e.ArchiveRef, &committed); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Type = events.Type(typ)
		e.Account = common.HexToAddress(account)
		e.Payload = []byte(payload)
		e.CommittedAt = fromUnixNano(committed)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (l *EventLog) Head(ctx context.Context) (uint64, string, error) {
	var (
		seq  int64
		hash string
	)
	err := l.db.QueryRowContext(ctx, `SELECT sequence, hash FROM events ORDER BY sequence DESC LIMIT 1`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read chain head: %w", err)
	}
	return uint64(seq), hash, nil
}
