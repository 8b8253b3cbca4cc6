package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/oauth2"
)

// credentialRow represents a row of the gateway_credentials table
type credentialRow struct {
	Name      string    `db:"name"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}

// PostgresStore keeps credentials in the gateway_credentials table
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgreSQL-backed credential store
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the credentials table if it does not exist
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS gateway_credentials (
			  name       TEXT PRIMARY KEY,
			  value      TEXT NOT NULL,
			  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			  )`

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create credentials table: %w", err)
	}
	return nil
}

// Load reads both tokens
func (p *PostgresStore) Load(ctx context.Context) (*oauth2.Token, error) {
	var rows []credentialRow
	query := `SELECT name, value, updated_at
			  FROM gateway_credentials
			  WHERE name IN ($1, $2)`

	if err := p.db.SelectContext(ctx, &rows, query, AccessTokenKey, RefreshTokenKey); err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	tok := &oauth2.Token{TokenType: "Bearer"}
	for _, row := range rows {
		switch row.Name {
		case AccessTokenKey:
			tok.AccessToken = row.Value
		case RefreshTokenKey:
			tok.RefreshToken = row.Value
		}
	}

	return normalize(tok), nil
}

// Save upserts both tokens in one transaction; an empty value deletes its row
func (p *PostgresStore) Save(ctx context.Context, tok *oauth2.Token) error {
	tok = normalize(tok)
	if tok == nil {
		return p.Clear(ctx)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := `INSERT INTO gateway_credentials (name, value, updated_at)
			   VALUES ($1, $2, $3)
			   ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	remove := `DELETE FROM gateway_credentials WHERE name = $1`

	now := time.Now()
	for _, kv := range [][2]string{
		{AccessTokenKey, tok.AccessToken},
		{RefreshTokenKey, tok.RefreshToken},
	} {
		if kv[1] == "" {
			_, err = tx.ExecContext(ctx, remove, kv[0])
		} else {
			_, err = tx.ExecContext(ctx, upsert, kv[0], kv[1], now)
		}
		if err != nil {
			return fmt.Errorf("failed to save credential %s: %w", kv[0], err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credentials: %w", err)
	}
	return nil
}

// Clear deletes both tokens
func (p *PostgresStore) Clear(ctx context.Context) error {
	query := `DELETE FROM gateway_credentials WHERE name IN ($1, $2)`
	if _, err := p.db.ExecContext(ctx, query, AccessTokenKey, RefreshTokenKey); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}
