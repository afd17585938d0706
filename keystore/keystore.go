// Package keystore implements the Key Store: the durable mapping from a
// presented credential's hash to an Identity record. It is backed by
// database/sql against a generic driver, so an embedded file-backed
// database (the default, github.com/mattn/go-sqlite3) or a networked one
// can serve it without changing a line of this package — only the DSN
// changes.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hwuu/pylon/policy"
	"github.com/hwuu/pylon/pylonerr"
)

// Priority is the scheduling priority attached to an Identity.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// ParsePriority maps the wire/config strings to Priority, defaulting to
// Normal for anything unrecognized.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return High
	case "low":
		return Low
	default:
		return Normal
	}
}

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Low:
		return "low"
	default:
		return "normal"
	}
}

const (
	keyPrefix    = "sk-"
	randomLength = 32
)

// Identity is the record identifying the holder of an API key. The raw
// credential is never stored — only its SHA-256 hash.
//
// Overrides, when set, replaces the matching fields of the active
// policy Snapshot's DefaultUser rule for this identity alone — a nil
// field within Overrides leaves that dimension at the policy default.
type Identity struct {
	ID          string
	KeyHash     string
	KeyPrefix   string
	Description string
	Priority    Priority
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
	Overrides   *policy.RateLimitRule
}

// IsExpired reports whether the identity's expiry has passed.
func (id Identity) IsExpired(now time.Time) bool {
	return id.ExpiresAt != nil && now.After(*id.ExpiresAt)
}

// IsRevoked reports whether the identity has been revoked.
func (id Identity) IsRevoked() bool {
	return id.RevokedAt != nil
}

// Store is the Key Store. All methods are safe for concurrent use; the
// underlying *sql.DB pools its own connections.
type Store struct {
	db *sql.DB
}

// Open opens (and, if necessary, initializes) the identities table
// through the named database/sql driver and DSN.
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", driver, err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("keystore: ping: %w", err)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, fmt.Errorf("keystore: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS identities (
	id              TEXT PRIMARY KEY,
	key_hash        TEXT NOT NULL UNIQUE,
	key_prefix      TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	priority        TEXT NOT NULL DEFAULT 'normal',
	created_at      DATETIME NOT NULL,
	expires_at      DATETIME,
	revoked_at      DATETIME,
	overrides_json  TEXT
);
CREATE INDEX IF NOT EXISTS idx_identities_key_hash ON identities(key_hash);
`

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB so collaborators that share the
// same database file (the Request Recorder's request_log table) don't
// need to open a second connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

func hashCredential(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func generateCredential() (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

	buf := make([]byte, randomLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("keystore: read random: %w", err)
	}

	out := make([]byte, randomLength)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}

	return keyPrefix + string(out), nil
}

func credentialPrefix(raw string) string {
	if len(raw) >= 7 {
		return raw[:7]
	}
	return raw
}

// Resolve looks up the Identity for a presented credential. It returns
// pylonerr.ErrNotFound, pylonerr.ErrExpired, or pylonerr.ErrRevoked for
// the respective failure cases, never a bare sql.ErrNoRows.
func (s *Store) Resolve(ctx context.Context, presented string) (Identity, error) {
	id, err := s.lookupByHash(ctx, hashCredential(presented))
	if err != nil {
		return Identity{}, err
	}

	if id.IsRevoked() {
		return Identity{}, pylonerr.ErrRevoked
	}
	if id.IsExpired(time.Now()) {
		return Identity{}, pylonerr.ErrExpired
	}

	return id, nil
}

func (s *Store) lookupByHash(ctx context.Context, hash string) (Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, key_prefix, description, priority, created_at, expires_at, revoked_at, overrides_json
		FROM identities WHERE key_hash = ?`, hash)

	return scanIdentity(row)
}

// scanner is satisfied by both *sql.Row and *sql.Rows, so a single
// scanIdentity helper serves every identities-table query.
type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (Identity, error) {
	var (
		id            Identity
		priority      string
		expiresAt     sql.NullTime
		revokedAt     sql.NullTime
		overridesJSON sql.NullString
	)

	err := row.Scan(&id.ID, &id.KeyHash, &id.KeyPrefix, &id.Description, &priority,
		&id.CreatedAt, &expiresAt, &revokedAt, &overridesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, pylonerr.ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("keystore: scan: %w", err)
	}

	id.Priority = ParsePriority(priority)
	if expiresAt.Valid {
		t := expiresAt.Time
		id.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		id.RevokedAt = &t
	}
	if overridesJSON.Valid && overridesJSON.String != "" {
		var rule policy.RateLimitRule
		if err := json.Unmarshal([]byte(overridesJSON.String), &rule); err != nil {
			return Identity{}, fmt.Errorf("keystore: decode overrides: %w", err)
		}
		id.Overrides = &rule
	}

	return id, nil
}

// Create generates a fresh credential of the form sk-<32 random
// lowercase-alphanumeric characters>, persists its hash, and returns the
// plaintext credential exactly once — it cannot be retrieved later.
// overrides may be nil, leaving the identity bound to the policy
// Snapshot's default-user caps.
func (s *Store) Create(ctx context.Context, description string, priority Priority, ttl *time.Duration, overrides *policy.RateLimitRule) (string, Identity, error) {
	raw, err := generateCredential()
	if err != nil {
		return "", Identity{}, err
	}

	now := time.Now().UTC()
	id := Identity{
		ID:          uuid.NewString(),
		KeyHash:     hashCredential(raw),
		KeyPrefix:   credentialPrefix(raw),
		Description: description,
		Priority:    priority,
		CreatedAt:   now,
		Overrides:   overrides,
	}
	if ttl != nil {
		exp := now.Add(*ttl)
		id.ExpiresAt = &exp
	}

	overridesJSON, err := encodeOverrides(overrides)
	if err != nil {
		return "", Identity{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities (id, key_hash, key_prefix, description, priority, created_at, expires_at, overrides_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.ID, id.KeyHash, id.KeyPrefix, id.Description, id.Priority.String(), id.CreatedAt, id.ExpiresAt, overridesJSON)
	if err != nil {
		return "", Identity{}, fmt.Errorf("keystore: insert: %w", err)
	}

	return raw, id, nil
}

func encodeOverrides(overrides *policy.RateLimitRule) (*string, error) {
	if overrides == nil {
		return nil, nil
	}
	b, err := json.Marshal(overrides)
	if err != nil {
		return nil, fmt.Errorf("keystore: encode overrides: %w", err)
	}
	s := string(b)
	return &s, nil
}

// UpdateOverrides replaces an identity's per-identity rate overrides.
// Passing nil reverts the identity to the policy default caps.
func (s *Store) UpdateOverrides(ctx context.Context, keyID string, overrides *policy.RateLimitRule) error {
	overridesJSON, err := encodeOverrides(overrides)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET overrides_json = ? WHERE id = ?`, overridesJSON, keyID)
	if err != nil {
		return fmt.Errorf("keystore: update overrides: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pylonerr.ErrNotFound
	}
	return nil
}

// Refresh atomically replaces the stored hash/prefix for an identity and
// returns the new plaintext credential, again exactly once.
func (s *Store) Refresh(ctx context.Context, keyID string) (string, Identity, error) {
	raw, err := generateCredential()
	if err != nil {
		return "", Identity{}, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET key_hash = ?, key_prefix = ? WHERE id = ?`,
		hashCredential(raw), credentialPrefix(raw), keyID)
	if err != nil {
		return "", Identity{}, fmt.Errorf("keystore: refresh: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return "", Identity{}, pylonerr.ErrNotFound
	}

	id, err := s.GetByID(ctx, keyID)
	return raw, id, err
}

// Revoke sets the identity's RevokedAt timestamp.
func (s *Store) Revoke(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET revoked_at = ? WHERE id = ?`, time.Now().UTC(), keyID)
	if err != nil {
		return fmt.Errorf("keystore: revoke: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pylonerr.ErrNotFound
	}
	return nil
}

// GetByID fetches an identity by its stable id, regardless of validity.
func (s *Store) GetByID(ctx context.Context, keyID string) (Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, key_prefix, description, priority, created_at, expires_at, revoked_at, overrides_json
		FROM identities WHERE id = ?`, keyID)
	return scanIdentity(row)
}

// Delete permanently removes an identity. Per the Identity lifecycle
// invariant, a key may only be deleted once it is revoked or expired —
// an active key must be revoked first.
func (s *Store) Delete(ctx context.Context, keyID string) error {
	id, err := s.GetByID(ctx, keyID)
	if err != nil {
		return err
	}
	if !id.IsRevoked() && !id.IsExpired(time.Now()) {
		return fmt.Errorf("keystore: identity %s is still active, revoke before deleting", keyID)
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("keystore: delete: %w", err)
	}
	return nil
}

// List returns every identity, optionally including revoked/expired ones.
func (s *Store) List(ctx context.Context, includeRevoked, includeExpired bool) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key_hash, key_prefix, description, priority, created_at, expires_at, revoked_at, overrides_json
		FROM identities ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("keystore: list: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var out []Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}

		if !includeRevoked && id.IsRevoked() {
			continue
		}
		if !includeExpired && id.IsExpired(now) {
			continue
		}

		out = append(out, id)
	}

	return out, rows.Err()
}
