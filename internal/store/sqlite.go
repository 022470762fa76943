package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// ledgerMu serializes balance mutations. SQLite has a single writer
	// anyway; the mutex keeps concurrent wallet operations from churning
	// on SQLITE_BUSY and makes the read-check-write sequence inside one
	// transaction exclusive.
	ledgerMu sync.Mutex
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS accounts (
		account_id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		balance TEXT NOT NULL DEFAULT '0',
		api_key TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		entry_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(account_id),
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		agent_slug TEXT NOT NULL DEFAULT '',
		reference TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_entries(reference) WHERE reference != '';

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE,
		agent_slug TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		account_id TEXT NOT NULL REFERENCES accounts(account_id),
		status TEXT NOT NULL DEFAULT 'active',
		fee_charged TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_active ON chat_sessions(account_id, agent_slug, status);
	CREATE INDEX IF NOT EXISTS idx_sessions_sweep ON chat_sessions(status, expires_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id),
		message_type TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata_json TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_type ON chat_messages(session_id, message_type);

	CREATE TABLE IF NOT EXISTS agent_executions (
		execution_id TEXT PRIMARY KEY,
		agent_slug TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		account_id TEXT NOT NULL REFERENCES accounts(account_id),
		input_json TEXT NOT NULL,
		output_json TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		fee_charged TEXT NOT NULL,
		webhook_response_json TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_executions_account ON agent_executions(account_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON agent_executions(status, created_at DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse stored amount %q: %w", raw, err)
	}
	return amount, nil
}

// GetAccount retrieves an account by its ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `
		SELECT account_id, email, balance, api_key, created_at, updated_at
		FROM accounts WHERE account_id = ?`, accountID))
}

// GetAccountByAPIKey retrieves an account by its API key.
func (s *SQLiteStore) GetAccountByAPIKey(ctx context.Context, apiKey string) (*domain.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `
		SELECT account_id, email, balance, api_key, created_at, updated_at
		FROM accounts WHERE api_key = ?`, apiKey))
}

func (s *SQLiteStore) scanAccount(row *sql.Row) (*domain.Account, error) {
	var account domain.Account
	var balance string
	var createdAt, updatedAt int64

	err := row.Scan(&account.AccountID, &account.Email, &balance, &account.APIKey, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan account row: %w", err)
	}

	if account.Balance, err = parseAmount(balance); err != nil {
		return nil, err
	}
	account.CreatedAt = time.Unix(createdAt, 0)
	account.UpdatedAt = time.Unix(updatedAt, 0)
	return &account, nil
}

// CreateAccount inserts a new account record.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *domain.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, email, balance, api_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		account.AccountID, account.Email, account.Balance.StringFixed(2), account.APIKey,
		account.CreatedAt.Unix(), account.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// withdrawTx performs the balance check, debit, and entry append inside an
// existing transaction. Returns (false, nil) on insufficient balance.
func withdrawTx(ctx context.Context, tx *sql.Tx, accountID string, amount decimal.Decimal, kind domain.EntryKind, description, agentSlug string) (bool, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account_id = ?`, accountID).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("account %s not found", accountID)
	}
	if err != nil {
		return false, fmt.Errorf("read balance: %w", err)
	}

	balance, err := parseAmount(raw)
	if err != nil {
		return false, err
	}
	if balance.LessThan(amount) {
		return false, nil
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ?, updated_at = ? WHERE account_id = ?`,
		balance.Sub(amount).StringFixed(2), now.Unix(), accountID); err != nil {
		return false, fmt.Errorf("debit balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (entry_id, account_id, amount, kind, description, agent_slug, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?)`,
		uuid.NewString(), accountID, amount.Neg().StringFixed(2), string(kind), description, agentSlug, now.Unix(),
	); err != nil {
		return false, fmt.Errorf("append ledger entry: %w", err)
	}
	return true, nil
}

// Withdraw atomically debits the account and appends a negative ledger entry.
func (s *SQLiteStore) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, kind domain.EntryKind, description, agentSlug string) (bool, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin withdraw: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	ok, err := withdrawTx(ctx, tx, accountID, amount, kind, description, agentSlug)
	if err != nil || !ok {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit withdraw: %w", err)
	}
	return true, nil
}

// Deposit atomically credits the account and appends a positive ledger entry.
// Idempotent on reference: a reference already present in the ledger makes
// the deposit a no-op.
func (s *SQLiteStore) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, kind domain.EntryKind, description, reference string) (bool, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin deposit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if reference != "" {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM ledger_entries WHERE reference = ?`, reference).Scan(&count); err != nil {
			return false, fmt.Errorf("check deposit reference: %w", err)
		}
		if count > 0 {
			slog.Info("Deposit already processed, skipping", "account_id", accountID, "reference", reference)
			return false, nil
		}
	}

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account_id = ?`, accountID).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("account %s not found", accountID)
	}
	if err != nil {
		return false, fmt.Errorf("read balance: %w", err)
	}

	balance, err := parseAmount(raw)
	if err != nil {
		return false, err
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ?, updated_at = ? WHERE account_id = ?`,
		balance.Add(amount).StringFixed(2), now.Unix(), accountID); err != nil {
		return false, fmt.Errorf("credit balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (entry_id, account_id, amount, kind, description, agent_slug, reference, created_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)`,
		uuid.NewString(), accountID, amount.StringFixed(2), string(kind), description, reference, now.Unix(),
	); err != nil {
		return false, fmt.Errorf("append ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit deposit: %w", err)
	}
	return true, nil
}

// LedgerEntries lists the account's entries, newest first.
func (s *SQLiteStore) LedgerEntries(ctx context.Context, accountID string, limit int) ([]*domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, account_id, amount, kind, description, agent_slug, reference, created_at
		FROM ledger_entries WHERE account_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close ledger entry rows", "error", closeErr)
		}
	}()

	var entries []*domain.LedgerEntry
	for rows.Next() {
		var entry domain.LedgerEntry
		var amount, kind string
		var createdAt int64
		if err := rows.Scan(&entry.EntryID, &entry.AccountID, &amount, &kind,
			&entry.Description, &entry.AgentSlug, &entry.Reference, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if entry.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		entry.Kind = domain.EntryKind(kind)
		entry.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

// LedgerTotals sums the account's entry amounts grouped by kind. Amounts are
// stored as decimal strings, so the summing happens here rather than in SQL
// to avoid float coercion.
func (s *SQLiteStore) LedgerTotals(ctx context.Context, accountID string) (map[domain.EntryKind]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, amount FROM ledger_entries WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query ledger totals: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close ledger total rows", "error", closeErr)
		}
	}()

	totals := make(map[domain.EntryKind]decimal.Decimal)
	for rows.Next() {
		var kind, raw string
		if err := rows.Scan(&kind, &raw); err != nil {
			return nil, fmt.Errorf("scan ledger total: %w", err)
		}
		amount, err := parseAmount(raw)
		if err != nil {
			return nil, err
		}
		totals[domain.EntryKind(kind)] = totals[domain.EntryKind(kind)].Add(amount)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger totals: %w", err)
	}
	return totals, nil
}

// CreateSessionCharged debits the fee and inserts the session plus its
// welcome message in one transaction, so a failure anywhere rolls back the
// charge too.
func (s *SQLiteStore) CreateSessionCharged(ctx context.Context, session *domain.ChatSession, welcome *domain.ChatMessage) (bool, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin session create: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	description := fmt.Sprintf("%s - Chat Session %s", session.AgentName, session.SessionID)
	ok, err := withdrawTx(ctx, tx, session.AccountID, session.FeeCharged, domain.EntryAgentUsage, description, session.AgentSlug)
	if err != nil || !ok {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, session_id, agent_slug, agent_name, account_id, status, fee_charged, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.SessionID, session.AgentSlug, session.AgentName, session.AccountID,
		string(session.Status), session.FeeCharged.StringFixed(2),
		session.ExpiresAt.Unix(), session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	); err != nil {
		return false, fmt.Errorf("insert session: %w", err)
	}

	if err := appendMessageTx(ctx, tx, welcome); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit session create: %w", err)
	}
	return true, nil
}

const sessionColumns = `id, session_id, agent_slug, agent_name, account_id, status, fee_charged, expires_at, created_at, updated_at, completed_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.ChatSession, error) {
	var session domain.ChatSession
	var status, fee string
	var expiresAt, createdAt, updatedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&session.ID, &session.SessionID, &session.AgentSlug, &session.AgentName,
		&session.AccountID, &status, &fee, &expiresAt, &createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.Status = domain.SessionStatus(status)
	if session.FeeCharged, err = parseAmount(fee); err != nil {
		return nil, err
	}
	session.ExpiresAt = time.Unix(expiresAt, 0)
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		session.CompletedAt = &ts
	}
	return &session, nil
}

// GetSession retrieves a session by public ID scoped to its owning account.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID, accountID string) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM chat_sessions
		WHERE session_id = ? AND account_id = ?`, sessionID, accountID)
	return scanSession(row)
}

// FindActiveSession returns the account's active session for an agent, if any.
func (s *SQLiteStore) FindActiveSession(ctx context.Context, accountID, agentSlug string) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM chat_sessions
		WHERE account_id = ? AND agent_slug = ? AND status = 'active'
		ORDER BY created_at DESC LIMIT 1`, accountID, agentSlug)
	return scanSession(row)
}

// TransitionSession moves an active session to a terminal status.
func (s *SQLiteStore) TransitionSession(ctx context.Context, id string, status domain.SessionStatus, completedAt *time.Time) (int64, error) {
	var completed any
	if completedAt != nil {
		completed = completedAt.Unix()
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active'`,
		string(status), completed, time.Now().Unix(), id)
	if err != nil {
		return 0, fmt.Errorf("transition session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return rows, nil
}

// ExtendSession advances the session's expiry deadline.
func (s *SQLiteStore) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET expires_at = ?, updated_at = ? WHERE id = ?`,
		expiresAt.Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("extend session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("ExtendSession affected 0 rows", "session_pk", id)
	}
	return nil
}

// ExpireSessions bulk-transitions lapsed active sessions to expired.
// Safe to run concurrently with per-request expiry checks: both converge on
// the same terminal state.
func (s *SQLiteStore) ExpireSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET status = 'expired', completed_at = ?, updated_at = ?
		WHERE status = 'active' AND expires_at < ?`,
		now.Unix(), now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	return result.RowsAffected()
}

func appendMessageTx(ctx context.Context, tx *sql.Tx, msg *domain.ChatMessage) error {
	var metadata any
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
		metadata = string(raw)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (message_id, session_id, message_type, content, metadata_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.SessionID, string(msg.Type), msg.Content, metadata, msg.Timestamp.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// AppendMessage inserts a chat message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	var metadata any
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
		metadata = string(raw)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (message_id, session_id, message_type, content, metadata_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.SessionID, string(msg.Type), msg.Content, metadata, msg.Timestamp.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages in timestamp order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionPK string) ([]*domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, session_id, message_type, content, metadata_json, timestamp
		FROM chat_messages WHERE session_id = ?
		ORDER BY timestamp ASC, rowid ASC`, sessionPK)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []*domain.ChatMessage
	for rows.Next() {
		var msg domain.ChatMessage
		var msgType string
		var metadata sql.NullString
		var timestamp int64
		if err := rows.Scan(&msg.MessageID, &msg.SessionID, &msgType, &msg.Content, &metadata, &timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Type = domain.MessageType(msgType)
		msg.Timestamp = time.UnixMilli(timestamp)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				slog.Warn("failed to decode message metadata", "message_id", msg.MessageID, "error", err)
			}
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// CountMessages counts a session's messages of the given type.
func (s *SQLiteStore) CountMessages(ctx context.Context, sessionPK string, typ domain.MessageType) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_messages WHERE session_id = ? AND message_type = ?`,
		sessionPK, string(typ)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// CreateExecution inserts a one-shot execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *domain.AgentExecution) error {
	input, err := json.Marshal(exec.InputData)
	if err != nil {
		return fmt.Errorf("marshal execution input: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_executions (execution_id, agent_slug, agent_name, account_id, input_json, status, fee_charged, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ExecutionID, exec.AgentSlug, exec.AgentName, exec.AccountID, string(input),
		string(exec.Status), exec.FeeCharged.StringFixed(2), exec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// UpdateExecution persists status, output, and error fields of an execution.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *domain.AgentExecution) error {
	marshalNullable := func(m map[string]any) (any, error) {
		if m == nil {
			return nil, nil
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	}

	output, err := marshalNullable(exec.OutputData)
	if err != nil {
		return fmt.Errorf("marshal execution output: %w", err)
	}
	var webhookResp any
	if exec.WebhookResponse != "" {
		webhookResp = exec.WebhookResponse
	}

	var completed any
	if exec.CompletedAt != nil {
		completed = exec.CompletedAt.Unix()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_executions
		SET status = ?, output_json = ?, webhook_response_json = ?, error_message = ?, completed_at = ?
		WHERE execution_id = ?`,
		string(exec.Status), output, webhookResp, exec.ErrorMessage, completed, exec.ExecutionID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateExecution affected 0 rows", "execution_id", exec.ExecutionID)
	}
	return nil
}

const executionColumns = `execution_id, agent_slug, agent_name, account_id, input_json, output_json, status, fee_charged, webhook_response_json, error_message, created_at, completed_at`

func scanExecution(row interface{ Scan(...any) error }) (*domain.AgentExecution, error) {
	var exec domain.AgentExecution
	var input string
	var output, webhookResp sql.NullString
	var status, fee string
	var createdAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&exec.ExecutionID, &exec.AgentSlug, &exec.AgentName, &exec.AccountID,
		&input, &output, &status, &fee, &webhookResp, &exec.ErrorMessage, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution row: %w", err)
	}

	exec.Status = domain.ExecutionStatus(status)
	if exec.FeeCharged, err = parseAmount(fee); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(input), &exec.InputData); err != nil {
		return nil, fmt.Errorf("decode execution input: %w", err)
	}
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &exec.OutputData); err != nil {
			slog.Warn("failed to decode execution output", "execution_id", exec.ExecutionID, "error", err)
		}
	}
	if webhookResp.Valid {
		exec.WebhookResponse = webhookResp.String
	}
	exec.CreatedAt = time.Unix(createdAt, 0)
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		exec.CompletedAt = &ts
	}
	return &exec, nil
}

// GetExecution retrieves an execution scoped to the owning account.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID, accountID string) (*domain.AgentExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM agent_executions
		WHERE execution_id = ? AND account_id = ?`, executionID, accountID)
	return scanExecution(row)
}

// ListExecutions lists the account's executions, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, accountID, agentSlug string, status domain.ExecutionStatus, limit int) ([]*domain.AgentExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + executionColumns + ` FROM agent_executions WHERE account_id = ?`
	args := []any{accountID}
	if agentSlug != "" {
		query += ` AND agent_slug = ?`
		args = append(args, agentSlug)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close execution rows", "error", closeErr)
		}
	}()

	var executions []*domain.AgentExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return executions, nil
}
