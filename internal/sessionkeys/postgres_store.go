package sessionkeys

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session key store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the session_keys and session_transactions tables if the
// migration hasn't been applied. Column additions that shipped after the
// original table (status, paused_until, daily_reset_at, user_id,
// encrypted_private_key, scopes) are added with ALTER TABLE ... IF NOT
// EXISTS so this is safe to run against a table created before they
// existed, not just against a fresh database.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_keys (
			id                    VARCHAR(36) PRIMARY KEY,
			owner_address         VARCHAR(42) NOT NULL,
			public_key            VARCHAR(42) NOT NULL,
			max_per_transaction   VARCHAR(64),
			max_per_day           VARCHAR(64),
			max_total             VARCHAR(64),
			valid_after           TIMESTAMPTZ,
			expires_at            TIMESTAMPTZ NOT NULL,
			allowed_recipients    TEXT[],
			allowed_service_types TEXT[],
			allow_any             BOOLEAN NOT NULL DEFAULT FALSE,
			label                 VARCHAR(255),
			transaction_count     INTEGER NOT NULL DEFAULT 0,
			total_spent           VARCHAR(64) NOT NULL DEFAULT '0',
			spent_today           VARCHAR(64) NOT NULL DEFAULT '0',
			last_used             TIMESTAMPTZ,
			last_reset_day        VARCHAR(10),
			last_nonce            BIGINT NOT NULL DEFAULT 0,
			revoked_at            TIMESTAMPTZ,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			parent_key_id         VARCHAR(36) REFERENCES session_keys(id) ON DELETE SET NULL,
			depth                 INTEGER NOT NULL DEFAULT 0,
			root_key_id           VARCHAR(36),
			delegation_label      VARCHAR(255),
			rotated_from_id       VARCHAR(36),
			rotated_to_id         VARCHAR(36),
			rotation_grace_until  TIMESTAMPTZ,
			scopes                TEXT[] NOT NULL DEFAULT ARRAY['spend', 'read'],
			status                VARCHAR(16) NOT NULL DEFAULT 'active',
			paused_until          TIMESTAMPTZ,
			daily_reset_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			user_id               VARCHAR(255),
			encrypted_private_key TEXT
		);

		ALTER TABLE session_keys ADD COLUMN IF NOT EXISTS scopes TEXT[] NOT NULL DEFAULT ARRAY['spend', 'read'];
		ALTER TABLE session_keys ADD COLUMN IF NOT EXISTS status VARCHAR(16) NOT NULL DEFAULT 'active';
		ALTER TABLE session_keys ADD COLUMN IF NOT EXISTS paused_until TIMESTAMPTZ;
		ALTER TABLE session_keys ADD COLUMN IF NOT EXISTS daily_reset_at TIMESTAMPTZ NOT NULL DEFAULT NOW();
		ALTER TABLE session_keys ADD COLUMN IF NOT EXISTS user_id VARCHAR(255);
		ALTER TABLE session_keys ADD COLUMN IF NOT EXISTS encrypted_private_key TEXT;

		CREATE INDEX IF NOT EXISTS idx_session_keys_owner ON session_keys (owner_address);
		CREATE INDEX IF NOT EXISTS idx_session_keys_parent ON session_keys (parent_key_id);
		CREATE INDEX IF NOT EXISTS idx_session_keys_status ON session_keys (status) WHERE revoked_at IS NULL;

		CREATE TABLE IF NOT EXISTS session_transactions (
			id             BIGSERIAL PRIMARY KEY,
			session_key_id VARCHAR(36) NOT NULL REFERENCES session_keys(id) ON DELETE CASCADE,
			amount         VARCHAR(64) NOT NULL,
			to_address     VARCHAR(42) NOT NULL,
			tx_hash        VARCHAR(66),
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_session_transactions_key_time
			ON session_transactions (session_key_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("session key migration failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, key *SessionKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO session_keys (
			id, owner_address, public_key,
			max_per_transaction, max_per_day, max_total,
			valid_after, expires_at,
			allowed_recipients, allowed_service_types, allow_any, label,
			transaction_count, total_spent, spent_today, last_used, last_reset_day, last_nonce,
			revoked_at, created_at,
			parent_key_id, depth, root_key_id, delegation_label,
			rotated_from_id, rotated_to_id, rotation_grace_until,
			scopes, status, daily_reset_at, user_id, encrypted_private_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32)
	`,
		key.ID,
		strings.ToLower(key.OwnerAddr),
		key.PublicKey,
		nullString(key.Permission.MaxPerTransaction),
		nullString(key.Permission.MaxPerDay),
		nullString(key.Permission.MaxTotal),
		nullTime(key.Permission.ValidAfter),
		key.Permission.ExpiresAt,
		pq.Array(key.Permission.AllowedRecipients),
		pq.Array(key.Permission.AllowedServiceTypes),
		key.Permission.AllowAny,
		key.Permission.Label,
		key.Usage.TransactionCount,
		key.Usage.TotalSpent,
		key.Usage.SpentToday,
		nullTime(key.Usage.LastUsed),
		key.Usage.LastResetDay,
		key.Usage.LastNonce,
		nullTime(timePtr(key.RevokedAt)),
		key.CreatedAt,
		nullString(key.ParentKeyID),
		key.Depth,
		nullString(key.RootKeyID),
		nullString(key.DelegationLabel),
		nullString(key.RotatedFromID),
		nullString(key.RotatedToID),
		nullTime(timePtr(key.RotationGraceEnd)),
		pq.Array(key.Permission.Scopes),
		string(key.Status),
		key.Usage.DailyResetAt,
		nullString(key.UserID),
		nullString(key.EncryptedPrivateKey),
	)

	if err != nil {
		return fmt.Errorf("failed to create session key: %w", err)
	}
	return nil
}

const sessionKeyColumns = `
	id, owner_address, public_key,
	max_per_transaction, max_per_day, max_total,
	valid_after, expires_at,
	allowed_recipients, allowed_service_types, allow_any, label,
	transaction_count, total_spent, spent_today, last_used, last_reset_day, COALESCE(last_nonce, 0),
	revoked_at, created_at,
	parent_key_id, COALESCE(depth, 0), root_key_id, delegation_label,
	rotated_from_id, rotated_to_id, rotation_grace_until,
	COALESCE(scopes, ARRAY['spend', 'read']),
	COALESCE(status, 'active'), paused_until, COALESCE(daily_reset_at, created_at),
	COALESCE(user_id, '')
`

// scanSessionKeyRow scans one row shaped like sessionKeyColumns. Shared by
// Get (filtered to active+unexpired) and ListActive (unfiltered, since the
// Session Monitor must see keys that are active but past their expiry in
// order to transition them).
func scanSessionKeyRow(row *sql.Row) (*SessionKey, error) {
	var key SessionKey
	var validAfter, lastUsed, revokedAt, rotationGraceUntil, pausedUntil sql.NullTime
	var maxPerTx, maxPerDay, maxTotal, label sql.NullString
	var lastResetDay sql.NullString
	var parentKeyID, rootKeyID, delegationLabel sql.NullString
	var rotatedFromID, rotatedToID sql.NullString
	var userID string
	var status string

	err := row.Scan(
		&key.ID,
		&key.OwnerAddr,
		&key.PublicKey,
		&maxPerTx,
		&maxPerDay,
		&maxTotal,
		&validAfter,
		&key.Permission.ExpiresAt,
		pq.Array(&key.Permission.AllowedRecipients),
		pq.Array(&key.Permission.AllowedServiceTypes),
		&key.Permission.AllowAny,
		&label,
		&key.Usage.TransactionCount,
		&key.Usage.TotalSpent,
		&key.Usage.SpentToday,
		&lastUsed,
		&lastResetDay,
		&key.Usage.LastNonce,
		&revokedAt,
		&key.CreatedAt,
		&parentKeyID,
		&key.Depth,
		&rootKeyID,
		&delegationLabel,
		&rotatedFromID,
		&rotatedToID,
		&rotationGraceUntil,
		pq.Array(&key.Permission.Scopes),
		&status,
		&pausedUntil,
		&key.Usage.DailyResetAt,
		&userID,
	)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session key: %w", err)
	}

	key.Permission.MaxPerTransaction = maxPerTx.String
	key.Permission.MaxPerDay = maxPerDay.String
	key.Permission.MaxTotal = maxTotal.String
	key.Permission.Label = label.String
	key.ParentKeyID = parentKeyID.String
	key.RootKeyID = rootKeyID.String
	key.DelegationLabel = delegationLabel.String
	key.RotatedFromID = rotatedFromID.String
	key.RotatedToID = rotatedToID.String
	key.UserID = userID
	// EncryptedPrivateKey is intentionally never scanned here — only
	// Create/CreateSession's caller ever sees the plaintext-adjacent
	// blob, straight off the insert, not via a later read path.
	key.Status = KeyStatus(status)
	if validAfter.Valid {
		key.Permission.ValidAfter = validAfter.Time
	}
	if lastUsed.Valid {
		key.Usage.LastUsed = lastUsed.Time
	}
	if lastResetDay.Valid {
		key.Usage.LastResetDay = lastResetDay.String
	}
	if revokedAt.Valid {
		key.RevokedAt = &revokedAt.Time
	}
	if rotationGraceUntil.Valid {
		key.RotationGraceEnd = &rotationGraceUntil.Time
	}
	if pausedUntil.Valid {
		key.PausedUntil = &pausedUntil.Time
	}

	return &key, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*SessionKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionKeyColumns+`
		FROM session_keys WHERE id = $1
		AND revoked_at IS NULL AND expires_at > NOW()
	`, id)
	return scanSessionKeyRow(row)
}

// ListActive returns every non-revoked session key whose status is active
// or paused, without the Get expiry filter, so the Session Monitor can
// transition keys whose validUntil has lapsed but whose status hasn't
// caught up yet, and re-activate paused keys whose pause has ended.
func (p *PostgresStore) ListActive(ctx context.Context) ([]*SessionKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM session_keys
		WHERE revoked_at IS NULL AND COALESCE(status, 'active') IN ('active', 'paused')
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active session keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}

	var keys []*SessionKey
	for _, id := range ids {
		row := p.db.QueryRowContext(ctx, `SELECT `+sessionKeyColumns+` FROM session_keys WHERE id = $1`, id)
		key, err := scanSessionKeyRow(row)
		if err == nil {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (p *PostgresStore) GetByOwner(ctx context.Context, ownerAddr string) ([]*SessionKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM session_keys WHERE owner_address = $1 ORDER BY created_at DESC
	`, strings.ToLower(ownerAddr))
	if err != nil {
		return nil, fmt.Errorf("failed to list session keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*SessionKey
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		key, err := p.Get(ctx, id)
		if err == nil {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

func (p *PostgresStore) GetByParent(ctx context.Context, parentKeyID string) ([]*SessionKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM session_keys WHERE parent_key_id = $1 ORDER BY created_at DESC
	`, parentKeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*SessionKey
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		key, err := p.Get(ctx, id)
		if err == nil {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

func (p *PostgresStore) Update(ctx context.Context, key *SessionKey) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE session_keys SET
			transaction_count = $1,
			total_spent = $2,
			spent_today = $3,
			last_used = $4,
			last_reset_day = $5,
			last_nonce = $6,
			revoked_at = $7,
			rotated_from_id = $8,
			rotated_to_id = $9,
			rotation_grace_until = $10,
			status = $11,
			paused_until = $12,
			daily_reset_at = $13,
			user_id = $14,
			encrypted_private_key = COALESCE(NULLIF($15, ''), encrypted_private_key)
		WHERE id = $16
	`,
		key.Usage.TransactionCount,
		key.Usage.TotalSpent,
		key.Usage.SpentToday,
		nullTime(key.Usage.LastUsed),
		key.Usage.LastResetDay,
		key.Usage.LastNonce,
		nullTime(timePtr(key.RevokedAt)),
		nullString(key.RotatedFromID),
		nullString(key.RotatedToID),
		nullTime(timePtr(key.RotationGraceEnd)),
		string(key.Status),
		nullTime(timePtr(key.PausedUntil)),
		key.Usage.DailyResetAt,
		nullString(key.UserID),
		key.EncryptedPrivateKey,
		key.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update session key: %w", err)
	}
	return nil
}

// ReParentChildren atomically moves all children from oldParentID to newParentID.
func (p *PostgresStore) ReParentChildren(ctx context.Context, oldParentID, newParentID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE session_keys SET parent_key_id = $1 WHERE parent_key_id = $2
	`, newParentID, oldParentID)
	if err != nil {
		return fmt.Errorf("failed to re-parent children: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM session_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// CountActive returns the number of active session keys (non-revoked, non-expired)
func (p *PostgresStore) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_keys
		WHERE revoked_at IS NULL AND expires_at > NOW()
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active keys: %w", err)
	}
	return count, nil
}

// PostgresTransactionLog implements TransactionLog using PostgreSQL.
type PostgresTransactionLog struct {
	db *sql.DB
}

// NewPostgresTransactionLog creates a PostgreSQL-backed transaction log.
func NewPostgresTransactionLog(db *sql.DB) *PostgresTransactionLog {
	return &PostgresTransactionLog{db: db}
}

func (l *PostgresTransactionLog) Record(ctx context.Context, tx *SessionTransaction) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO session_transactions (session_key_id, amount, to_address, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, tx.SessionKeyID, tx.Amount, tx.ToAddress, nullString(tx.TxHash), tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record session transaction: %w", err)
	}
	return nil
}

func (l *PostgresTransactionLog) Since(ctx context.Context, keyID string, cutoff time.Time) ([]*SessionTransaction, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_key_id, amount, to_address, COALESCE(tx_hash, ''), created_at
		FROM session_transactions
		WHERE session_key_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`, keyID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list session transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*SessionTransaction
	for rows.Next() {
		var tx SessionTransaction
		if err := rows.Scan(&tx.SessionKeyID, &tx.Amount, &tx.ToAddress, &tx.TxHash, &tx.CreatedAt); err != nil {
			continue
		}
		result = append(result, &tx)
	}
	return result, nil
}

// Helpers

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func timePtr(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
