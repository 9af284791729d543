package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"chatbus/internal/model"
	logx "chatbus/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer anyway, and an in-memory
	// database only lives as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	if path != ":memory:" {
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// ---- realms ----

func (s *sqliteStore) EnsureRealm(ctx context.Context, domain string) (model.Realm, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return model.Realm{}, errors.New("realm domain is required")
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO realms(domain) VALUES(?) ON CONFLICT(domain) DO NOTHING`, domain); err != nil {
		return model.Realm{}, err
	}
	var r model.Realm
	err := s.db.QueryRowContext(ctx, `SELECT id, domain FROM realms WHERE domain = ?`, domain).Scan(&r.ID, &r.Domain)
	return r, notFound(err, "realm "+domain)
}

func (s *sqliteStore) RealmByID(ctx context.Context, id int64) (model.Realm, error) {
	var r model.Realm
	err := s.db.QueryRowContext(ctx, `SELECT id, domain FROM realms WHERE id = ?`, id).Scan(&r.ID, &r.Domain)
	return r, notFound(err, fmt.Sprintf("realm %d", id))
}

// ---- users ----

const userCols = `id, realm_id, email, full_name, short_name, api_key, pointer`

func scanUser(row interface{ Scan(...any) error }) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.RealmID, &u.Email, &u.FullName, &u.ShortName, &u.APIKey, &u.Pointer)
	return u, err
}

func (s *sqliteStore) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	u.Email = strings.TrimSpace(u.Email)
	if u.Email == "" || u.RealmID == 0 {
		return model.User{}, errors.New("user email and realm are required")
	}
	if u.ShortName == "" {
		u.ShortName = strings.SplitN(u.Email, "@", 2)[0]
	}
	if u.FullName == "" {
		u.FullName = u.ShortName
	}
	if u.APIKey == "" {
		u.APIKey = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	u.Pointer = model.NoPointer

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(realm_id, email, full_name, short_name, api_key, pointer) VALUES(?,?,?,?,?,?)`,
		u.RealmID, u.Email, u.FullName, u.ShortName, u.APIKey, u.Pointer)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("user %s: %w", u.Email, ErrConflict)
		}
		return model.User{}, err
	}
	u.ID, err = res.LastInsertId()
	return u, err
}

func (s *sqliteStore) UserByID(ctx context.Context, id int64) (model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id))
	return u, notFound(err, fmt.Sprintf("user %d", id))
}

func (s *sqliteStore) UserByEmail(ctx context.Context, email string) (model.User, error) {
	email = strings.TrimSpace(email)
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email = ?`, email))
	return u, notFound(err, "user "+email)
}

func (s *sqliteStore) UsersByIDs(ctx context.Context, ids []int64) (map[int64]model.User, error) {
	out := make(map[int64]model.User, len(ids))
	ids = model.UniqueIDs(ids)
	if len(ids) == 0 {
		return out, nil
	}
	q, args := inClause(`SELECT `+userCols+` FROM users WHERE id IN `, ids)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

func (s *sqliteStore) AdvancePointer(ctx context.Context, userID, pointer int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET pointer = ? WHERE id = ? AND pointer < ?`, pointer, userID, pointer)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ---- streams ----

func (s *sqliteStore) EnsureStream(ctx context.Context, realmID int64, name string) (model.Stream, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO streams(realm_id, name) VALUES(?,?) ON CONFLICT(realm_id, name) DO NOTHING`, realmID, name)
	if err != nil {
		return model.Stream{}, false, err
	}
	n, _ := res.RowsAffected()
	st, err := s.StreamByName(ctx, realmID, name)
	return st, n > 0, err
}

func (s *sqliteStore) StreamByName(ctx context.Context, realmID int64, name string) (model.Stream, error) {
	var st model.Stream
	err := s.db.QueryRowContext(ctx,
		`SELECT id, realm_id, name FROM streams WHERE realm_id = ? AND name = ?`, realmID, name).
		Scan(&st.ID, &st.RealmID, &st.Name)
	return st, notFound(err, "stream "+name)
}

func (s *sqliteStore) StreamByID(ctx context.Context, id int64) (model.Stream, error) {
	var st model.Stream
	err := s.db.QueryRowContext(ctx, `SELECT id, realm_id, name FROM streams WHERE id = ?`, id).
		Scan(&st.ID, &st.RealmID, &st.Name)
	return st, notFound(err, fmt.Sprintf("stream %d", id))
}

func (s *sqliteStore) ListStreams(ctx context.Context, realmID int64) ([]model.Stream, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, realm_id, name FROM streams WHERE realm_id = ? ORDER BY name`, realmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Stream
	for rows.Next() {
		var st model.Stream
		if err := rows.Scan(&st.ID, &st.RealmID, &st.Name); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ---- recipients ----

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func ensureRecipient(ctx context.Context, q execQuerier, t model.Target) (model.Recipient, error) {
	if _, err := q.ExecContext(ctx,
		`INSERT INTO recipients(kind, type_id) VALUES(?,?) ON CONFLICT(kind, type_id) DO NOTHING`,
		int(t.Kind()), t.TypeID()); err != nil {
		return model.Recipient{}, err
	}
	return recipientFor(ctx, q, t)
}

func recipientFor(ctx context.Context, q execQuerier, t model.Target) (model.Recipient, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM recipients WHERE kind = ? AND type_id = ?`, int(t.Kind()), t.TypeID()).Scan(&id)
	if err != nil {
		return model.Recipient{}, notFound(err, fmt.Sprintf("recipient %s:%d", t.Kind(), t.TypeID()))
	}
	return model.Recipient{ID: id, Target: t}, nil
}

func (s *sqliteStore) EnsureRecipient(ctx context.Context, t model.Target) (model.Recipient, error) {
	if t == nil {
		return model.Recipient{}, errors.New("recipient target is required")
	}
	return ensureRecipient(ctx, s.db, t)
}

func (s *sqliteStore) RecipientFor(ctx context.Context, t model.Target) (model.Recipient, error) {
	return recipientFor(ctx, s.db, t)
}

func (s *sqliteStore) RecipientByID(ctx context.Context, id int64) (model.Recipient, error) {
	var kind int
	var typeID int64
	err := s.db.QueryRowContext(ctx, `SELECT kind, type_id FROM recipients WHERE id = ?`, id).Scan(&kind, &typeID)
	if err != nil {
		return model.Recipient{}, notFound(err, fmt.Sprintf("recipient %d", id))
	}
	t, err := model.TargetOf(model.RecipientKind(kind), typeID)
	if err != nil {
		return model.Recipient{}, err
	}
	return model.Recipient{ID: id, Target: t}, nil
}

func (s *sqliteStore) EnsureHuddle(ctx context.Context, userIDs []int64) (model.Huddle, model.Recipient, error) {
	ids := model.UniqueIDs(userIDs)
	if len(ids) < 2 {
		return model.Huddle{}, model.Recipient{}, errors.New("huddle needs at least two members")
	}
	hash := model.HuddleHash(ids)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Huddle{}, model.Recipient{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO huddles(hash) VALUES(?) ON CONFLICT(hash) DO NOTHING`, hash)
	if err != nil {
		return model.Huddle{}, model.Recipient{}, err
	}
	created, _ := res.RowsAffected()

	h := model.Huddle{Hash: hash}
	if err := tx.QueryRowContext(ctx, `SELECT id FROM huddles WHERE hash = ?`, hash).Scan(&h.ID); err != nil {
		return model.Huddle{}, model.Recipient{}, err
	}
	rcpt, err := ensureRecipient(ctx, tx, model.HuddleTarget{HuddleID: h.ID})
	if err != nil {
		return model.Huddle{}, model.Recipient{}, err
	}
	if created > 0 {
		for _, uid := range ids {
			if err := upsertSubscription(ctx, tx, uid, rcpt.ID, true); err != nil {
				return model.Huddle{}, model.Recipient{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Huddle{}, model.Recipient{}, err
	}
	return h, rcpt, nil
}

// ---- subscriptions ----

func upsertSubscription(ctx context.Context, q execQuerier, userID, recipientID int64, active bool) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO subscriptions(user_id, recipient_id, active) VALUES(?,?,?)
		 ON CONFLICT(user_id, recipient_id) DO UPDATE SET active = excluded.active`,
		userID, recipientID, boolInt(active))
	return err
}

func (s *sqliteStore) Subscription(ctx context.Context, userID, recipientID int64) (model.Subscription, error) {
	var sub model.Subscription
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, recipient_id, active FROM subscriptions WHERE user_id = ? AND recipient_id = ?`,
		userID, recipientID).Scan(&sub.ID, &sub.UserID, &sub.RecipientID, &active)
	sub.Active = active != 0
	return sub, notFound(err, "subscription")
}

func (s *sqliteStore) SetSubscription(ctx context.Context, userID, recipientID int64, active bool) (model.Subscription, error) {
	if err := upsertSubscription(ctx, s.db, userID, recipientID, active); err != nil {
		return model.Subscription{}, err
	}
	return s.Subscription(ctx, userID, recipientID)
}

func (s *sqliteStore) ActiveSubscribers(ctx context.Context, recipientID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM subscriptions WHERE recipient_id = ? AND active = 1 ORDER BY user_id`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SubscribedStreams(ctx context.Context, userID int64) ([]model.Stream, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT st.id, st.realm_id, st.name
		   FROM subscriptions sub
		   JOIN recipients r ON r.id = sub.recipient_id AND r.kind = ?
		   JOIN streams st ON st.id = r.type_id
		  WHERE sub.user_id = ? AND sub.active = 1
		  ORDER BY st.name`, int(model.KindStream), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Stream
	for rows.Next() {
		var st model.Stream
		if err := rows.Scan(&st.ID, &st.RealmID, &st.Name); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ---- messages ----

const messageCols = `id, sender_id, recipient_id, subject, content, sent_at_us, sending_client, mirrored`

func scanMessage(row interface{ Scan(...any) error }) (model.Message, error) {
	var m model.Message
	var us int64
	var mirrored int
	if err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Subject, &m.Content, &us, &m.SendingClient, &mirrored); err != nil {
		return model.Message{}, err
	}
	m.SentAt = time.UnixMicro(us)
	m.Mirrored = mirrored != 0
	return m, nil
}

func (s *sqliteStore) InsertMessage(ctx context.Context, m model.Message, userIDs []int64, dedup bool) (int64, bool, error) {
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	us := m.SentAt.UnixMicro()
	if dedup {
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM messages
			  WHERE sender_id = ? AND recipient_id = ? AND sent_at_us = ? AND subject = ? AND content = ?
			  ORDER BY id LIMIT 1`,
			m.SenderID, m.RecipientID, us, m.Subject, m.Content).Scan(&id)
		if err == nil {
			return id, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, false, err
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages(sender_id, recipient_id, subject, content, sent_at_us, sending_client, mirrored)
		 VALUES(?,?,?,?,?,?,?)`,
		m.SenderID, m.RecipientID, m.Subject, m.Content, us, m.SendingClient, boolInt(m.Mirrored))
	if err != nil {
		return 0, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO user_messages(user_id, message_id) VALUES(?,?)`)
	if err != nil {
		return 0, false, err
	}
	defer stmt.Close()
	for _, uid := range model.UniqueIDs(userIDs) {
		if _, err := stmt.ExecContext(ctx, uid, id); err != nil {
			return 0, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *sqliteStore) MessageByID(ctx context.Context, id int64) (model.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ?`, id))
	return m, notFound(err, fmt.Sprintf("message %d", id))
}

func (s *sqliteStore) UserMessages(ctx context.Context, q MessageQuery) ([]model.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 400
	}
	where := []string{"um.user_id = ?", "m.id > ?"}
	args := []any{q.UserID, q.AfterID}
	if q.BeforeID > 0 {
		where = append(where, "m.id < ?")
		args = append(args, q.BeforeID)
	}
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	args = append(args, limit)

	query := `SELECT m.id, m.sender_id, m.recipient_id, m.subject, m.content, m.sent_at_us, m.sending_client, m.mirrored
	            FROM user_messages um JOIN messages m ON m.id = um.message_id
	           WHERE ` + strings.Join(where, " AND ") + `
	           ORDER BY m.id ` + order + ` LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *sqliteStore) DeliveryCount(ctx context.Context, messageID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_messages WHERE message_id = ?`, messageID).Scan(&n)
	return n, err
}

func (s *sqliteStore) MaxMessageID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM messages`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return model.NoPointer, nil
	}
	return id.Int64, nil
}

// ---- helpers ----

func inClause(prefix string, ids []int64) (string, []any) {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString("(")
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("?")
		args[i] = id
	}
	b.WriteString(")")
	return b.String(), args
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
