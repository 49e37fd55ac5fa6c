package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"relay/cmd/security/sealed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresMessageStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - The store does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// When a sealed.Box is configured, message content is sealed before insert
// and opened on read. Rows written before sealing was enabled read through
// as plaintext.
type PostgresMessageStore struct {
	pool   *pgxpool.Pool
	schema string
	box    *sealed.Box
}

// PostgresOption configures the postgres stores.
type PostgresOption func(*postgresConfig) error

type postgresConfig struct {
	schema string
	box    *sealed.Box
}

// WithSchema sets the DB schema used by the store (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(c *postgresConfig) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		c.schema = schema
		return nil
	}
}

// WithSealedBox enables content sealing at rest.
func WithSealedBox(box *sealed.Box) PostgresOption {
	return func(c *postgresConfig) error {
		c.box = box
		return nil
	}
}

func applyPostgresOptions(opts []PostgresOption) (postgresConfig, error) {
	cfg := postgresConfig{schema: "relay"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return postgresConfig{}, err
		}
	}
	return cfg, nil
}

// NewPostgresMessageStore constructs a Postgres-backed MessageStore.
func NewPostgresMessageStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresMessageStore, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	cfg, err := applyPostgresOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresMessageStore{pool: pool, schema: cfg.schema, box: cfg.box}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresMessageStore) Close() error { return nil }

// Append persists a message.
func (s *PostgresMessageStore) Append(ctx context.Context, msg StoredMessage) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if msg.ID == "" || msg.Room == "" || msg.Username == "" {
		return errors.New("invalid message")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	content := msg.Content
	if s.box != nil {
		var err error
		content, err = s.box.Seal(msg.Room, msg.Content)
		if err != nil {
			return fmt.Errorf("seal content: %w", err)
		}
	}

	messages := pgIdent(s.schema, "messages")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, room, username, display_name, content, avatar_color, name_color, avatar_ref, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.Room, msg.Username, msg.DisplayName, content,
		msg.AvatarColor, msg.NameColor, msg.AvatarRef, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListRecent returns the newest messages for a room, oldest-first.
func (s *PostgresMessageStore) ListRecent(ctx context.Context, room string, limit int) ([]StoredMessage, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if room == "" {
		return nil, errors.New("missing room")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = historyLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, room, username, display_name, content, avatar_color, name_color, avatar_ref, created_at
		   FROM `+messages+`
		  WHERE room = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2`,
		room, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, limit)
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(
			&m.ID, &m.Room, &m.Username, &m.DisplayName, &m.Content,
			&m.AvatarColor, &m.NameColor, &m.AvatarRef, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		if s.box != nil && sealed.IsSealed(m.Content) {
			pt, err := s.box.Open(m.Room, m.Content)
			if err != nil {
				return nil, fmt.Errorf("open content %s: %w", m.ID, err)
			}
			m.Content = pt
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT; callers want oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Delete removes a message iff it was authored by username. Missing and
// foreign-authored rows both report ErrMessageNotFound.
func (s *PostgresMessageStore) Delete(ctx context.Context, room, messageID, username string) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if room == "" || messageID == "" || username == "" {
		return errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+messages+` WHERE id = $1 AND room = $2 AND username = $3`,
		messageID, room, username,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// DeleteRoomMessages drops every message in a room.
func (s *PostgresMessageStore) DeleteRoomMessages(ctx context.Context, room string) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if room == "" {
		return errors.New("missing room")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	_, err := s.pool.Exec(ctx, `DELETE FROM `+messages+` WHERE room = $1`, room)
	return err
}

// PostgresRoomStore is a RoomStore backed by PostgreSQL. The default room is
// seeded by migration.
type PostgresRoomStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresRoomStore constructs a Postgres-backed RoomStore.
func NewPostgresRoomStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresRoomStore, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	cfg, err := applyPostgresOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresRoomStore{pool: pool, schema: cfg.schema}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresRoomStore) Close() error { return nil }

// List returns all room names sorted ascending.
func (s *PostgresRoomStore) List(ctx context.Context) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rooms := pgIdent(s.schema, "rooms")

	rows, err := s.pool.Query(ctx, `SELECT name FROM `+rooms+` ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Create inserts a room, mapping unique violations to ErrRoomExists.
func (s *PostgresRoomStore) Create(ctx context.Context, name string) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if name == "" {
		return errors.New("missing room")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rooms := pgIdent(s.schema, "rooms")

	_, err := s.pool.Exec(ctx, `INSERT INTO `+rooms+` (name) VALUES ($1)`, name)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrRoomExists
	}
	return err
}

// Delete removes a room, mapping zero affected rows to ErrRoomNotFound.
func (s *PostgresRoomStore) Delete(ctx context.Context, name string) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if name == "" {
		return errors.New("missing room")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rooms := pgIdent(s.schema, "rooms")

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+rooms+` WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
