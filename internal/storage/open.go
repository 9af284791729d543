package storage

import (
	"context"
	"errors"
	"strings"

	"chatbus/internal/model"
	logx "chatbus/pkg/logx"
)

// Store is the persistence API used by the directory, fan-out, long-poll and
// subscription layers.
type Store interface {
	EnsureRealm(ctx context.Context, domain string) (model.Realm, error)
	RealmByID(ctx context.Context, id int64) (model.Realm, error)

	CreateUser(ctx context.Context, u model.User) (model.User, error)
	UserByID(ctx context.Context, id int64) (model.User, error)
	UserByEmail(ctx context.Context, email string) (model.User, error)
	UsersByIDs(ctx context.Context, ids []int64) (map[int64]model.User, error)
	// AdvancePointer moves the read cursor forward; it reports false when
	// pointer is not greater than the stored value.
	AdvancePointer(ctx context.Context, userID, pointer int64) (bool, error)

	EnsureStream(ctx context.Context, realmID int64, name string) (model.Stream, bool, error)
	StreamByName(ctx context.Context, realmID int64, name string) (model.Stream, error)
	StreamByID(ctx context.Context, id int64) (model.Stream, error)
	ListStreams(ctx context.Context, realmID int64) ([]model.Stream, error)

	EnsureRecipient(ctx context.Context, t model.Target) (model.Recipient, error)
	RecipientFor(ctx context.Context, t model.Target) (model.Recipient, error)
	RecipientByID(ctx context.Context, id int64) (model.Recipient, error)
	// EnsureHuddle returns the huddle of userIDs, creating it, its recipient
	// and an active subscription for every member on first use.
	EnsureHuddle(ctx context.Context, userIDs []int64) (model.Huddle, model.Recipient, error)

	Subscription(ctx context.Context, userID, recipientID int64) (model.Subscription, error)
	SetSubscription(ctx context.Context, userID, recipientID int64, active bool) (model.Subscription, error)
	ActiveSubscribers(ctx context.Context, recipientID int64) ([]int64, error)
	SubscribedStreams(ctx context.Context, userID int64) ([]model.Stream, error)

	// InsertMessage stores m and one delivery record per entry of userIDs in a
	// single transaction. With dedup, an identical stored message (sender,
	// recipient, subject, content, timestamp) is returned instead and
	// inserted is false.
	InsertMessage(ctx context.Context, m model.Message, userIDs []int64, dedup bool) (id int64, inserted bool, err error)
	MessageByID(ctx context.Context, id int64) (model.Message, error)
	UserMessages(ctx context.Context, q MessageQuery) ([]model.Message, error)
	DeliveryCount(ctx context.Context, messageID int64) (int, error)
	MaxMessageID(ctx context.Context) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		cfg.Path = ":memory:"
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
