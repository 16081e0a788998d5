package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/oyaprotocol/contracts/pkg/breaker"
)

// BreakerStore implements breaker.Store as a single row.
type BreakerStore struct {
	db *sql.DB
}

func NewBreakerStore(db *sql.DB) *BreakerStore {
	return &BreakerStore{db: db}
}

func (s *BreakerStore) Load(ctx context.Context) (breaker.State, error) {
	var (
		authority string
		frozen    bool
		updated   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT authority, frozen, updated_at FROM breaker_state WHERE id = 1`).
		Scan(&authority, &frozen, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return breaker.State{}, breaker.ErrNotFound
		}
		return breaker.State{}, fmt.Errorf("failed to load breaker state: %w", err)
	}
	return breaker.State{
		Authority: common.HexToAddress(authority),
		Frozen:    frozen,
		UpdatedAt: fromUnixNano(updated),
	}, nil
}

func (s *BreakerStore) Save(ctx context.Context, st breaker.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_state (id, authority, frozen, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			authority = excluded.authority,
			frozen = excluded.frozen,
			updated_at = excluded.updated_at
	`, st.Authority.Hex(), st.Frozen, unixNano(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to persist breaker state: %w", err)
	}
	return nil
}
