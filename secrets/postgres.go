package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/onnwee/ttsbot-control/crypto"
)

// Postgres keeps sealed secret versions in the secret_versions table (see db migrations).
// Values are sealed with crypto.Sealer, bound to the secret id.
type Postgres struct {
	db     *sql.DB
	sealer crypto.Sealer
}

func NewPostgres(db *sql.DB, sealer crypto.Sealer) (*Postgres, error) {
	if sealer == nil {
		return nil, errors.New("postgres secrets: ENCRYPTION_KEY is required")
	}
	return &Postgres{db: db, sealer: sealer}, nil
}

func (p *Postgres) EnsureSecret(ctx context.Context, name string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO secrets (name, created_at) VALUES ($1, NOW()) ON CONFLICT (name) DO NOTHING`,
		SecretID(name))
	return err
}

func (p *Postgres) AddVersion(ctx context.Context, name, value string) (string, error) {
	id := SecretID(name)
	sealed, err := p.sealer.Seal(id, []byte(value))
	if err != nil {
		return "", fmt.Errorf("seal %s: %w", id, err)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	// Lock the parent row so concurrent writers get distinct version numbers.
	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT name FROM secrets WHERE name=$1 FOR UPDATE`, id).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", err
	}
	var version int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO secret_versions (name, version, payload, created_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, NOW() FROM secret_versions WHERE name=$1
		RETURNING version`, id, sealed).Scan(&version)
	if err != nil {
		return "", fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return id + "/versions/" + strconv.Itoa(version), nil
}

func (p *Postgres) AccessLatest(ctx context.Context, name string) (string, error) {
	id := SecretID(name)
	var sealed string
	var err error
	if v := versionOf(name); v != "latest" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			return "", fmt.Errorf("%w: %s/versions/%s", ErrNotFound, id, v)
		}
		err = p.db.QueryRowContext(ctx, `SELECT payload FROM secret_versions WHERE name=$1 AND version=$2`, id, n).Scan(&sealed)
	} else {
		err = p.db.QueryRowContext(ctx, `SELECT payload FROM secret_versions WHERE name=$1 ORDER BY version DESC LIMIT 1`, id).Scan(&sealed)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", err
	}
	plain, err := p.sealer.Open(id, sealed)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", id, err)
	}
	return string(plain), nil
}
