package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresRepository provides typed access to Postgres resources.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

var _ Repository = (*PostgresRepository)(nil)

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies schema migrations on the connected database.
func (r *PostgresRepository) RunMigrations(_ context.Context, filesystem fs.FS) error {
	return ApplyPostgresMigrations(r.pool, filesystem, r.logger)
}

// WithTx executes fn within a database transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// -- Channel identity store --

// ResolveIdentifier returns the connection owning (channel, type, value).
func (r *PostgresRepository) ResolveIdentifier(ctx context.Context, channel Channel, idType IdentifierType, value string) (*IdentifierMatch, error) {
	const q = `
SELECT ci.tenant_id, ci.connection_id, ci.channel, ci.identifier_type, ci.identifier_value, cc.status
FROM channel_identifiers ci
JOIN channel_connections cc ON cc.id = ci.connection_id
WHERE ci.channel = $1 AND ci.identifier_type = $2 AND ci.identifier_value = $3
LIMIT 1;
`
	var m IdentifierMatch
	err := r.pool.QueryRow(ctx, q, channel, idType, value).Scan(&m.TenantID, &m.ConnectionID, &m.Channel, &m.Type, &m.Value, &m.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve identifier: %w", err)
	}
	return &m, nil
}

// GetChannelConnection loads the tenant's connection for channel with its identifiers.
func (r *PostgresRepository) GetChannelConnection(ctx context.Context, tenantID string, channel Channel) (*ChannelConnection, error) {
	const q = `
SELECT id, tenant_id, channel, status, access_token, created_at, updated_at
FROM channel_connections
WHERE tenant_id = $1 AND channel = $2
LIMIT 1;
`
	var c ChannelConnection
	err := r.pool.QueryRow(ctx, q, tenantID, channel).Scan(&c.ID, &c.TenantID, &c.Channel, &c.Status, &c.AccessToken, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get channel connection: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT identifier_type, identifier_value FROM channel_identifiers WHERE connection_id = $1`, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list channel identifiers: %w", err)
	}
	defer rows.Close()

	c.Identifiers = map[IdentifierType]string{}
	for rows.Next() {
		var t IdentifierType
		var v string
		if err := rows.Scan(&t, &v); err != nil {
			return nil, fmt.Errorf("scan channel identifier: %w", err)
		}
		c.Identifiers[t] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel identifiers: %w", err)
	}
	return &c, nil
}

// UpsertChannelConnection stores the connection and replaces its identifier set.
func (r *PostgresRepository) UpsertChannelConnection(ctx context.Context, conn ChannelConnection) (*ChannelConnection, error) {
	if conn.Status == "" {
		conn.Status = ConnectionConnected
	}
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		const q = `
INSERT INTO channel_connections (id, tenant_id, channel, status, access_token)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tenant_id, channel) DO UPDATE SET
    status = EXCLUDED.status,
    access_token = EXCLUDED.access_token,
    updated_at = NOW()
RETURNING id;
`
		if err := tx.QueryRow(ctx, q, uuid.NewString(), conn.TenantID, conn.Channel, conn.Status, conn.AccessToken).Scan(&conn.ID); err != nil {
			return fmt.Errorf("upsert channel connection: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM channel_identifiers WHERE connection_id = $1`, conn.ID); err != nil {
			return fmt.Errorf("clear channel identifiers: %w", err)
		}
		for t, v := range conn.Identifiers {
			if v == "" {
				continue
			}
			_, err := tx.Exec(ctx, `
INSERT INTO channel_identifiers (connection_id, tenant_id, channel, identifier_type, identifier_value)
VALUES ($1, $2, $3, $4, $5);`, conn.ID, conn.TenantID, conn.Channel, t, v)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("identifier %s=%s already linked to another connection: %w", t, v, err)
				}
				return fmt.Errorf("insert channel identifier: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetChannelConnection(ctx, conn.TenantID, conn.Channel)
}

// -- Conversations --

const conversationColumns = `id, tenant_id, channel, external_thread_id, customer_handle, mode, profile_pic, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.TenantID, &c.Channel, &c.ExternalThreadID, &c.CustomerHandle, &c.Mode, &c.ProfilePic, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindOrCreateConversation performs a single atomic upsert on (tenant_id, channel, external_thread_id).
func (r *PostgresRepository) FindOrCreateConversation(ctx context.Context, key ConversationKey, initialHandle string) (*Conversation, bool, error) {
	const q = `
INSERT INTO conversations (id, tenant_id, channel, external_thread_id, customer_handle, mode, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 'HUMAN', NOW(), NOW())
ON CONFLICT (tenant_id, channel, external_thread_id) DO UPDATE SET
    customer_handle = COALESCE(NULLIF(conversations.customer_handle, ''), EXCLUDED.customer_handle),
    updated_at = NOW()
RETURNING ` + conversationColumns + `;
`
	proposed := uuid.NewString()
	conv, err := scanConversation(r.pool.QueryRow(ctx, q, proposed, key.TenantID, key.Channel, key.ExternalThreadID, initialHandle))
	if err != nil {
		return nil, false, fmt.Errorf("find or create conversation: %w", err)
	}
	return conv, conv.ID == proposed, nil
}

// GetConversation returns the tenant's conversation by id.
func (r *PostgresRepository) GetConversation(ctx context.Context, tenantID, id string) (*Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1 AND tenant_id = $2 LIMIT 1;`
	conv, err := scanConversation(r.pool.QueryRow(ctx, q, id, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// GetConversationByID returns a conversation without tenant scoping.
func (r *PostgresRepository) GetConversationByID(ctx context.Context, id string) (*Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1 LIMIT 1;`
	conv, err := scanConversation(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation by id: %w", err)
	}
	return conv, nil
}

// SetConversationMode updates the BOT/HUMAN mode of a conversation.
func (r *PostgresRepository) SetConversationMode(ctx context.Context, tenantID, id string, mode Mode) (*Conversation, error) {
	q := `
UPDATE conversations SET mode = $3, updated_at = NOW()
WHERE id = $1 AND tenant_id = $2
RETURNING ` + conversationColumns + `;`
	conv, err := scanConversation(r.pool.QueryRow(ctx, q, id, tenantID, mode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("set conversation mode: %w", err)
	}
	return conv, nil
}

// ListConversations returns the tenant's conversations, most recently active first.
func (r *PostgresRepository) ListConversations(ctx context.Context, filter ConversationFilter) ([]Conversation, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	q := `
SELECT ` + conversationColumns + `
FROM conversations
WHERE tenant_id = $1
  AND ($2 = '' OR channel = $2)
  AND ($3 = '' OR mode = $3)
ORDER BY updated_at DESC
LIMIT $4;
`
	rows, err := r.pool.Query(ctx, q, filter.TenantID, string(filter.Channel), string(filter.Mode), filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var res []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		res = append(res, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return res, nil
}

// -- Messages --

const messageColumns = `id, tenant_id, conversation_id, direction, sender, text, media_url, message_type, external_message_id, is_read, created_at, updated_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.Direction, &m.Sender, &m.Text, &m.MediaURL, &m.MessageType, &m.ExternalMessageID, &m.IsRead, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertInboundMessage inserts an IN/CUSTOMER message; duplicates by (tenant_id, external_message_id) are a no-op.
func (r *PostgresRepository) InsertInboundMessage(ctx context.Context, msg InboundMessage) (*Message, bool, error) {
	q := `
INSERT INTO messages (id, tenant_id, conversation_id, direction, sender, text, media_url, message_type, external_message_id, is_read)
VALUES ($1, $2, $3, 'IN', 'CUSTOMER', $4, $5, $6, $7, FALSE)
ON CONFLICT (tenant_id, external_message_id) DO NOTHING
RETURNING ` + messageColumns + `;
`
	m, err := scanMessage(r.pool.QueryRow(ctx, q,
		uuid.NewString(),
		msg.TenantID,
		msg.ConversationID,
		msg.Text,
		msg.MediaURL,
		messageTypeOrText(msg.MessageType),
		msg.ExternalMessageID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("insert inbound message: %w", err)
	}
	return m, true, nil
}

// InsertOutboundMessage records an OUT message without a provider id.
func (r *PostgresRepository) InsertOutboundMessage(ctx context.Context, msg OutboundMessage) (*Message, error) {
	q := `
INSERT INTO messages (id, tenant_id, conversation_id, direction, sender, text, media_url, message_type, is_read)
VALUES ($1, $2, $3, 'OUT', $4, $5, $6, $7, TRUE)
RETURNING ` + messageColumns + `;
`
	m, err := scanMessage(r.pool.QueryRow(ctx, q,
		uuid.NewString(),
		msg.TenantID,
		msg.ConversationID,
		msg.Sender,
		msg.Text,
		msg.MediaURL,
		messageTypeOrText(msg.MessageType),
	))
	if err != nil {
		return nil, fmt.Errorf("insert outbound message: %w", err)
	}
	if _, err := r.pool.Exec(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, msg.ConversationID); err != nil {
		r.logger.Warn("failed touching conversation", "conversation_id", msg.ConversationID, "error", err)
	}
	return m, nil
}

// AttachExternalMessageID records the provider-issued id on a message.
func (r *PostgresRepository) AttachExternalMessageID(ctx context.Context, messageID, externalID string) error {
	ct, err := r.pool.Exec(ctx, `UPDATE messages SET external_message_id = $2, updated_at = NOW() WHERE id = $1`, messageID, externalID)
	if err != nil {
		return fmt.Errorf("attach external message id: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMessageText replaces the text of a message.
func (r *PostgresRepository) UpdateMessageText(ctx context.Context, messageID, text string) error {
	ct, err := r.pool.Exec(ctx, `UPDATE messages SET text = $2, updated_at = NOW() WHERE id = $1`, messageID, text)
	if err != nil {
		return fmt.Errorf("update message text: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessage returns a message by id.
func (r *PostgresRepository) GetMessage(ctx context.Context, id string) (*Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1 LIMIT 1;`
	m, err := scanMessage(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListMessages returns the latest messages of a conversation in chronological order.
func (r *PostgresRepository) ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
SELECT * FROM (
    SELECT ` + messageColumns + `
    FROM messages
    WHERE tenant_id = $1 AND conversation_id = $2
    ORDER BY created_at DESC
    LIMIT $3
) latest
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q, tenantID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var res []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return res, nil
}

// MarkConversationRead flags all inbound messages of a conversation as read.
func (r *PostgresRepository) MarkConversationRead(ctx context.Context, tenantID, conversationID string) (int64, error) {
	const q = `
UPDATE messages SET is_read = TRUE, updated_at = NOW()
WHERE tenant_id = $1 AND conversation_id = $2 AND direction = 'IN' AND is_read = FALSE;
`
	ct, err := r.pool.Exec(ctx, q, tenantID, conversationID)
	if err != nil {
		return 0, fmt.Errorf("mark conversation read: %w", err)
	}
	return ct.RowsAffected(), nil
}

// -- Agent settings --

// GetAgentSettings returns the tenant's settings, or disabled defaults when no row exists.
func (r *PostgresRepository) GetAgentSettings(ctx context.Context, tenantID string) (*AgentSettings, error) {
	const q = `
SELECT tenant_id, ai_operational_enabled, automation_endpoint, updated_at
FROM agent_settings
WHERE tenant_id = $1
LIMIT 1;
`
	var s AgentSettings
	err := r.pool.QueryRow(ctx, q, tenantID).Scan(&s.TenantID, &s.AIOperationalEnabled, &s.AutomationEndpoint, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &AgentSettings{TenantID: tenantID}, nil
		}
		return nil, fmt.Errorf("get agent settings: %w", err)
	}
	return &s, nil
}

// UpsertAgentSettings stores the tenant's settings.
func (r *PostgresRepository) UpsertAgentSettings(ctx context.Context, s AgentSettings) error {
	const q = `
INSERT INTO agent_settings (tenant_id, ai_operational_enabled, automation_endpoint, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (tenant_id) DO UPDATE SET
    ai_operational_enabled = EXCLUDED.ai_operational_enabled,
    automation_endpoint = EXCLUDED.automation_endpoint,
    updated_at = NOW();
`
	if _, err := r.pool.Exec(ctx, q, s.TenantID, s.AIOperationalEnabled, s.AutomationEndpoint); err != nil {
		return fmt.Errorf("upsert agent settings: %w", err)
	}
	return nil
}

// -- Notifications --

// InsertNotification stores a notification row.
func (r *PostgresRepository) InsertNotification(ctx context.Context, n Notification) (*Notification, error) {
	meta, err := toJSON(n.Metadata)
	if err != nil {
		return nil, err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	const q = `
INSERT INTO notifications (id, tenant_id, type, title, message, metadata)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at;
`
	if err := r.pool.QueryRow(ctx, q, n.ID, n.TenantID, n.Type, n.Title, n.Message, jsonParam(meta)).Scan(&n.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return &n, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
