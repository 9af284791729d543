// Package directory resolves a recipient into the set of users who can see
// messages sent to it.
package directory

import (
	"context"
	"errors"
	"fmt"

	"chatbus/internal/buserr"
	"chatbus/internal/model"
	"chatbus/internal/storage"
)

// ErrUnknownRecipient means a recipient id points at nothing. It is a
// programming error: callers abort the current operation only.
var ErrUnknownRecipient = errors.New("directory: unknown recipient")

// Lookup is the read-only slice of storage.Store the directory needs.
type Lookup interface {
	RecipientByID(ctx context.Context, id int64) (model.Recipient, error)
	ActiveSubscribers(ctx context.Context, recipientID int64) ([]int64, error)
}

type Directory struct {
	store Lookup
}

func New(store Lookup) *Directory {
	return &Directory{store: store}
}

// Resolve returns the subscriber ids of r, sorted and without duplicates.
//
//   - PERSONAL: sender and addressee (one id for a self-message)
//   - STREAM, HUDDLE: every user with an active subscription
func (d *Directory) Resolve(ctx context.Context, senderID int64, r model.Recipient) ([]int64, error) {
	switch t := r.Target.(type) {
	case model.PersonalTarget:
		return model.UniqueIDs([]int64{senderID, t.UserID}), nil
	case model.StreamTarget, model.HuddleTarget:
		ids, err := d.store.ActiveSubscribers(ctx, r.ID)
		if err != nil {
			return nil, buserr.Transient("resolve subscribers", err)
		}
		return model.UniqueIDs(ids), nil
	default:
		return nil, buserr.Fatal(fmt.Sprintf("resolve %s", r), ErrUnknownRecipient)
	}
}

// ResolveID loads the recipient by id and resolves it.
func (d *Directory) ResolveID(ctx context.Context, senderID, recipientID int64) (model.Recipient, []int64, error) {
	r, err := d.store.RecipientByID(ctx, recipientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, model.ErrBadRecipientKind) {
			return model.Recipient{}, nil, buserr.Fatal(fmt.Sprintf("recipient %d", recipientID), ErrUnknownRecipient)
		}
		return model.Recipient{}, nil, buserr.Transient("load recipient", err)
	}
	ids, err := d.Resolve(ctx, senderID, r)
	return r, ids, err
}
