package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/vault"
)

// VaultStore implements vault.Store. Vaults are stored as JSON documents.
type VaultStore struct {
	db *sql.DB
}

func NewVaultStore(db *sql.DB) *VaultStore {
	return &VaultStore{db: db}
}

func (s *VaultStore) Create(ctx context.Context, v *vault.Vault) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vaults (id, body, updated_at) VALUES ($1, $2, $3)`,
		v.ID.Hex(), string(body), unixNano(v.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return vault.ErrExists
		}
		return fmt.Errorf("failed to insert vault: %w", err)
	}
	return nil
}

func (s *VaultStore) Get(ctx context.Context, id contracts.Address) (*vault.Vault, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM vaults WHERE id = $1`, id.Hex()).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, vault.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get vault: %w", err)
	}
	return decodeVault(body)
}

func (s *VaultStore) Update(ctx context.Context, v *vault.Vault) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE vaults SET body = $1, updated_at = $2 WHERE id = $3`,
		string(body), unixNano(v.UpdatedAt), v.ID.Hex())
	if err != nil {
		return fmt.Errorf("failed to update vault: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return vault.ErrNotFound
	}
	return nil
}

func (s *VaultStore) List(ctx context.Context) ([]*vault.Vault, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM vaults ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*vault.Vault{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		v, err := decodeVault(body)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func decodeVault(body string) (*vault.Vault, error) {
	var v vault.Vault
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("corrupt vault record: %w", err)
	}
	return &v, nil
}
