package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"
)

// SQLiteRepository provides access to a local SQLite database.
type SQLiteRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLite opens a new connection to the SQLite database.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*SQLiteRepository, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteRepository{
		db:     db,
		logger: logger.With("component", "repo_sqlite"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the database connection.
func (r *SQLiteRepository) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// Ping ensures the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies schema migrations on the connected database.
func (r *SQLiteRepository) RunMigrations(_ context.Context, filesystem fs.FS) error {
	return ApplySQLiteMigrations(r.db.DB, filesystem, r.logger)
}

type identifierRow struct {
	TenantID     string `db:"tenant_id"`
	ConnectionID string `db:"connection_id"`
	Channel      string `db:"channel"`
	Type         string `db:"identifier_type"`
	Value        string `db:"identifier_value"`
	Status       string `db:"status"`
}

type connectionRow struct {
	ID          string     `db:"id"`
	TenantID    string     `db:"tenant_id"`
	Channel     string     `db:"channel"`
	Status      string     `db:"status"`
	AccessToken string     `db:"access_token"`
	CreatedAt   sqliteTime `db:"created_at"`
	UpdatedAt   sqliteTime `db:"updated_at"`
}

type conversationRow struct {
	ID               string     `db:"id"`
	TenantID         string     `db:"tenant_id"`
	Channel          string     `db:"channel"`
	ExternalThreadID string     `db:"external_thread_id"`
	CustomerHandle   string     `db:"customer_handle"`
	Mode             string     `db:"mode"`
	ProfilePic       *string    `db:"profile_pic"`
	CreatedAt        sqliteTime `db:"created_at"`
	UpdatedAt        sqliteTime `db:"updated_at"`
}

func (c conversationRow) model() *Conversation {
	return &Conversation{
		ID:               c.ID,
		TenantID:         c.TenantID,
		Channel:          Channel(c.Channel),
		ExternalThreadID: c.ExternalThreadID,
		CustomerHandle:   c.CustomerHandle,
		Mode:             Mode(c.Mode),
		ProfilePic:       c.ProfilePic,
		CreatedAt:        c.CreatedAt.Time,
		UpdatedAt:        c.UpdatedAt.Time,
	}
}

type messageRow struct {
	ID                string     `db:"id"`
	TenantID          string     `db:"tenant_id"`
	ConversationID    string     `db:"conversation_id"`
	Direction         string     `db:"direction"`
	Sender            string     `db:"sender"`
	Text              string     `db:"text"`
	MediaURL          *string    `db:"media_url"`
	MessageType       string     `db:"message_type"`
	ExternalMessageID *string    `db:"external_message_id"`
	IsRead            bool       `db:"is_read"`
	CreatedAt         sqliteTime `db:"created_at"`
	UpdatedAt         sqliteTime `db:"updated_at"`
}

func (m messageRow) model() *Message {
	return &Message{
		ID:                m.ID,
		TenantID:          m.TenantID,
		ConversationID:    m.ConversationID,
		Direction:         Direction(m.Direction),
		Sender:            Sender(m.Sender),
		Text:              m.Text,
		MediaURL:          m.MediaURL,
		MessageType:       m.MessageType,
		ExternalMessageID: m.ExternalMessageID,
		IsRead:            m.IsRead,
		CreatedAt:         m.CreatedAt.Time,
		UpdatedAt:         m.UpdatedAt.Time,
	}
}

// -- Channel identity store --

func (r *SQLiteRepository) ResolveIdentifier(ctx context.Context, channel Channel, idType IdentifierType, value string) (*IdentifierMatch, error) {
	const q = `
SELECT ci.tenant_id, ci.connection_id, ci.channel, ci.identifier_type, ci.identifier_value, cc.status
FROM channel_identifiers ci
JOIN channel_connections cc ON cc.id = ci.connection_id
WHERE ci.channel = ? AND ci.identifier_type = ? AND ci.identifier_value = ?
LIMIT 1;
`
	var row identifierRow
	if err := r.db.GetContext(ctx, &row, q, string(channel), string(idType), value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve identifier: %w", err)
	}
	return &IdentifierMatch{
		TenantID:     row.TenantID,
		ConnectionID: row.ConnectionID,
		Channel:      Channel(row.Channel),
		Type:         IdentifierType(row.Type),
		Value:        row.Value,
		Status:       ConnectionStatus(row.Status),
	}, nil
}

func (r *SQLiteRepository) GetChannelConnection(ctx context.Context, tenantID string, channel Channel) (*ChannelConnection, error) {
	const q = `
SELECT id, tenant_id, channel, status, access_token, created_at, updated_at
FROM channel_connections
WHERE tenant_id = ? AND channel = ?
LIMIT 1;
`
	var row connectionRow
	if err := r.db.GetContext(ctx, &row, q, tenantID, string(channel)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get channel connection: %w", err)
	}

	var ids []identifierRow
	const idQ = `
SELECT tenant_id, connection_id, channel, identifier_type, identifier_value, '' AS status
FROM channel_identifiers
WHERE connection_id = ?;
`
	if err := r.db.SelectContext(ctx, &ids, idQ, row.ID); err != nil {
		return nil, fmt.Errorf("list channel identifiers: %w", err)
	}

	conn := &ChannelConnection{
		ID:          row.ID,
		TenantID:    row.TenantID,
		Channel:     Channel(row.Channel),
		Status:      ConnectionStatus(row.Status),
		AccessToken: row.AccessToken,
		Identifiers: make(map[IdentifierType]string, len(ids)),
		CreatedAt:   row.CreatedAt.Time,
		UpdatedAt:   row.UpdatedAt.Time,
	}
	for _, id := range ids {
		conn.Identifiers[IdentifierType(id.Type)] = id.Value
	}
	return conn, nil
}

func (r *SQLiteRepository) UpsertChannelConnection(ctx context.Context, conn ChannelConnection) (*ChannelConnection, error) {
	if conn.Status == "" {
		conn.Status = ConnectionConnected
	}
	now := r.now()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const q = `
INSERT INTO channel_connections (id, tenant_id, channel, status, access_token, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, channel) DO UPDATE SET
    status = excluded.status,
    access_token = excluded.access_token,
    updated_at = excluded.updated_at
RETURNING id;
`
	if err := tx.GetContext(ctx, &conn.ID, q, uuid.NewString(), conn.TenantID, string(conn.Channel), string(conn.Status), conn.AccessToken, now, now); err != nil {
		return nil, fmt.Errorf("upsert channel connection: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_identifiers WHERE connection_id = ?`, conn.ID); err != nil {
		return nil, fmt.Errorf("clear channel identifiers: %w", err)
	}
	for t, v := range conn.Identifiers {
		if v == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO channel_identifiers (connection_id, tenant_id, channel, identifier_type, identifier_value)
VALUES (?, ?, ?, ?, ?);`, conn.ID, conn.TenantID, string(conn.Channel), string(t), v)
		if err != nil {
			if isSQLiteUniqueViolation(err) {
				return nil, fmt.Errorf("identifier %s=%s already linked to another connection: %w", t, v, err)
			}
			return nil, fmt.Errorf("insert channel identifier: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit channel connection: %w", err)
	}
	return r.GetChannelConnection(ctx, conn.TenantID, conn.Channel)
}

// -- Conversations --

func (r *SQLiteRepository) FindOrCreateConversation(ctx context.Context, key ConversationKey, initialHandle string) (*Conversation, bool, error) {
	q := `
INSERT INTO conversations (id, tenant_id, channel, external_thread_id, customer_handle, mode, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 'HUMAN', ?, ?)
ON CONFLICT (tenant_id, channel, external_thread_id) DO UPDATE SET
    customer_handle = COALESCE(NULLIF(conversations.customer_handle, ''), excluded.customer_handle),
    updated_at = excluded.updated_at
RETURNING ` + conversationColumns + `;
`
	now := r.now()
	proposed := uuid.NewString()
	var row conversationRow
	if err := r.db.GetContext(ctx, &row, q, proposed, key.TenantID, string(key.Channel), key.ExternalThreadID, initialHandle, now, now); err != nil {
		return nil, false, fmt.Errorf("find or create conversation: %w", err)
	}
	return row.model(), row.ID == proposed, nil
}

func (r *SQLiteRepository) GetConversation(ctx context.Context, tenantID, id string) (*Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ? AND tenant_id = ? LIMIT 1;`
	var row conversationRow
	if err := r.db.GetContext(ctx, &row, q, id, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return row.model(), nil
}

func (r *SQLiteRepository) GetConversationByID(ctx context.Context, id string) (*Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ? LIMIT 1;`
	var row conversationRow
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation by id: %w", err)
	}
	return row.model(), nil
}

func (r *SQLiteRepository) SetConversationMode(ctx context.Context, tenantID, id string, mode Mode) (*Conversation, error) {
	q := `
UPDATE conversations SET mode = ?, updated_at = ?
WHERE id = ? AND tenant_id = ?
RETURNING ` + conversationColumns + `;`
	var row conversationRow
	if err := r.db.GetContext(ctx, &row, q, string(mode), r.now(), id, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("set conversation mode: %w", err)
	}
	return row.model(), nil
}

func (r *SQLiteRepository) ListConversations(ctx context.Context, filter ConversationFilter) ([]Conversation, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	q := `
SELECT ` + conversationColumns + `
FROM conversations
WHERE tenant_id = ?
  AND (? = '' OR channel = ?)
  AND (? = '' OR mode = ?)
ORDER BY updated_at DESC
LIMIT ?;
`
	var rows []conversationRow
	ch, mode := string(filter.Channel), string(filter.Mode)
	if err := r.db.SelectContext(ctx, &rows, q, filter.TenantID, ch, ch, mode, mode, filter.Limit); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	res := make([]Conversation, 0, len(rows))
	for _, row := range rows {
		res = append(res, *row.model())
	}
	return res, nil
}

// -- Messages --

func (r *SQLiteRepository) InsertInboundMessage(ctx context.Context, msg InboundMessage) (*Message, bool, error) {
	q := `
INSERT INTO messages (id, tenant_id, conversation_id, direction, sender, text, media_url, message_type, external_message_id, is_read, created_at, updated_at)
VALUES (?, ?, ?, 'IN', 'CUSTOMER', ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT (tenant_id, external_message_id) DO NOTHING
RETURNING ` + messageColumns + `;
`
	now := r.now()
	var row messageRow
	err := r.db.GetContext(ctx, &row, q,
		uuid.NewString(),
		msg.TenantID,
		msg.ConversationID,
		msg.Text,
		msg.MediaURL,
		messageTypeOrText(msg.MessageType),
		msg.ExternalMessageID,
		now,
		now,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("insert inbound message: %w", err)
	}
	return row.model(), true, nil
}

func (r *SQLiteRepository) InsertOutboundMessage(ctx context.Context, msg OutboundMessage) (*Message, error) {
	q := `
INSERT INTO messages (id, tenant_id, conversation_id, direction, sender, text, media_url, message_type, is_read, created_at, updated_at)
VALUES (?, ?, ?, 'OUT', ?, ?, ?, ?, 1, ?, ?)
RETURNING ` + messageColumns + `;
`
	now := r.now()
	var row messageRow
	err := r.db.GetContext(ctx, &row, q,
		uuid.NewString(),
		msg.TenantID,
		msg.ConversationID,
		string(msg.Sender),
		msg.Text,
		msg.MediaURL,
		messageTypeOrText(msg.MessageType),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert outbound message: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, msg.ConversationID); err != nil {
		r.logger.Warn("failed touching conversation", "conversation_id", msg.ConversationID, "error", err)
	}
	return row.model(), nil
}

func (r *SQLiteRepository) AttachExternalMessageID(ctx context.Context, messageID, externalID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET external_message_id = ?, updated_at = ? WHERE id = ?`, externalID, r.now(), messageID)
	if err != nil {
		return fmt.Errorf("attach external message id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) UpdateMessageText(ctx context.Context, messageID, text string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET text = ?, updated_at = ? WHERE id = ?`, text, r.now(), messageID)
	if err != nil {
		return fmt.Errorf("update message text: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) GetMessage(ctx context.Context, id string) (*Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE id = ? LIMIT 1;`
	var row messageRow
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return row.model(), nil
}

func (r *SQLiteRepository) ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
SELECT * FROM (
    SELECT ` + messageColumns + `
    FROM messages
    WHERE tenant_id = ? AND conversation_id = ?
    ORDER BY created_at DESC
    LIMIT ?
)
ORDER BY created_at ASC;
`
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, q, tenantID, conversationID, limit); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	res := make([]Message, 0, len(rows))
	for _, row := range rows {
		res = append(res, *row.model())
	}
	return res, nil
}

func (r *SQLiteRepository) MarkConversationRead(ctx context.Context, tenantID, conversationID string) (int64, error) {
	const q = `
UPDATE messages SET is_read = 1, updated_at = ?
WHERE tenant_id = ? AND conversation_id = ? AND direction = 'IN' AND is_read = 0;
`
	res, err := r.db.ExecContext(ctx, q, r.now(), tenantID, conversationID)
	if err != nil {
		return 0, fmt.Errorf("mark conversation read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// -- Agent settings --

func (r *SQLiteRepository) GetAgentSettings(ctx context.Context, tenantID string) (*AgentSettings, error) {
	const q = `
SELECT tenant_id, ai_operational_enabled, automation_endpoint, updated_at
FROM agent_settings
WHERE tenant_id = ?
LIMIT 1;
`
	var row struct {
		TenantID             string     `db:"tenant_id"`
		AIOperationalEnabled bool       `db:"ai_operational_enabled"`
		AutomationEndpoint   *string    `db:"automation_endpoint"`
		UpdatedAt            sqliteTime `db:"updated_at"`
	}
	if err := r.db.GetContext(ctx, &row, q, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &AgentSettings{TenantID: tenantID}, nil
		}
		return nil, fmt.Errorf("get agent settings: %w", err)
	}
	return &AgentSettings{
		TenantID:             row.TenantID,
		AIOperationalEnabled: row.AIOperationalEnabled,
		AutomationEndpoint:   row.AutomationEndpoint,
		UpdatedAt:            row.UpdatedAt.Time,
	}, nil
}

func (r *SQLiteRepository) UpsertAgentSettings(ctx context.Context, s AgentSettings) error {
	const q = `
INSERT INTO agent_settings (tenant_id, ai_operational_enabled, automation_endpoint, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (tenant_id) DO UPDATE SET
    ai_operational_enabled = excluded.ai_operational_enabled,
    automation_endpoint = excluded.automation_endpoint,
    updated_at = excluded.updated_at;
`
	if _, err := r.db.ExecContext(ctx, q, s.TenantID, s.AIOperationalEnabled, s.AutomationEndpoint, r.now()); err != nil {
		return fmt.Errorf("upsert agent settings: %w", err)
	}
	return nil
}

// -- Notifications --

func (r *SQLiteRepository) InsertNotification(ctx context.Context, n Notification) (*Notification, error) {
	meta, err := toJSON(n.Metadata)
	if err != nil {
		return nil, err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = r.now()
	const q = `
INSERT INTO notifications (id, tenant_id, type, title, message, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`
	if _, err := r.db.ExecContext(ctx, q, n.ID, n.TenantID, n.Type, n.Title, n.Message, jsonParam(meta), n.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return &n, nil
}

// sqliteTime scans DATETIME values that the driver may hand back either parsed or as text
// (RETURNING and subquery columns carry no declared type).
type sqliteTime struct {
	time.Time
}

var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func (t *sqliteTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported sqlite time value %T", src)
	}
}

func (t *sqliteTime) parse(s string) error {
	s = strings.TrimSpace(s)
	// Drop the monotonic clock suffix of time.Time.String() output.
	if idx := strings.Index(s, " m="); idx > 0 {
		s = s[:idx]
	}
	for _, layout := range sqliteTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("parse sqlite time %q", s)
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
