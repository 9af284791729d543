package updates

import (
	"context"
	"fmt"

	"chatbus/internal/model"
)

// Lookup is what the renderer needs to turn stored rows into client views.
type Lookup interface {
	UsersByIDs(ctx context.Context, ids []int64) (map[int64]model.User, error)
	RecipientByID(ctx context.Context, id int64) (model.Recipient, error)
	StreamByID(ctx context.Context, id int64) (model.Stream, error)
	ActiveSubscribers(ctx context.Context, recipientID int64) ([]int64, error)
}

// Renderer builds MessageViews. One Renderer is used per response so lookups
// are cached for the duration of a single request only.
type Renderer struct {
	lk         Lookup
	users      map[int64]model.User
	recipients map[int64]model.Recipient
	display    map[int64]any
	members    map[int64][]model.DisplayUser
}

func NewRenderer(lk Lookup) *Renderer {
	return &Renderer{
		lk:         lk,
		users:      map[int64]model.User{},
		recipients: map[int64]model.Recipient{},
		display:    map[int64]any{},
		members:    map[int64][]model.DisplayUser{},
	}
}

func (r *Renderer) Render(ctx context.Context, msgs []model.Message) ([]model.MessageView, error) {
	need := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := r.users[m.SenderID]; !ok {
			need = append(need, m.SenderID)
		}
	}
	if err := r.loadUsers(ctx, need); err != nil {
		return nil, err
	}

	out := make([]model.MessageView, 0, len(msgs))
	for _, m := range msgs {
		v, err := r.one(ctx, m)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *Renderer) loadUsers(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	us, err := r.lk.UsersByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for id, u := range us {
		r.users[id] = u
	}
	return nil
}

func (r *Renderer) one(ctx context.Context, m model.Message) (model.MessageView, error) {
	sender, ok := r.users[m.SenderID]
	if !ok {
		return model.MessageView{}, fmt.Errorf("render message %d: sender %d missing", m.ID, m.SenderID)
	}
	rcpt, ok := r.recipients[m.RecipientID]
	if !ok {
		var err error
		rcpt, err = r.lk.RecipientByID(ctx, m.RecipientID)
		if err != nil {
			return model.MessageView{}, fmt.Errorf("render message %d: %w", m.ID, err)
		}
		r.recipients[m.RecipientID] = rcpt
	}

	v := model.MessageView{
		ID:              m.ID,
		SenderEmail:     sender.Email,
		SenderFullName:  sender.FullName,
		SenderShortName: sender.ShortName,
		Subject:         m.Subject,
		Content:         m.Content,
		Timestamp:       m.SentAt.Unix(),
		Client:          m.SendingClient,
		Mirrored:        m.Mirrored,
	}

	switch t := rcpt.Target.(type) {
	case model.StreamTarget:
		v.Type = "stream"
		name, ok := r.display[rcpt.ID]
		if !ok {
			st, err := r.lk.StreamByID(ctx, t.StreamID)
			if err != nil {
				return model.MessageView{}, fmt.Errorf("render message %d: %w", m.ID, err)
			}
			name = st.Name
			r.display[rcpt.ID] = name
		}
		v.DisplayRecipient = name
	case model.PersonalTarget:
		v.Type = "personal"
		users, err := r.participants(ctx, []int64{m.SenderID, t.UserID})
		if err != nil {
			return model.MessageView{}, err
		}
		v.Recipients = users
		v.DisplayRecipient = users
	case model.HuddleTarget:
		v.Type = "huddle"
		users, ok := r.members[rcpt.ID]
		if !ok {
			ids, err := r.lk.ActiveSubscribers(ctx, rcpt.ID)
			if err != nil {
				return model.MessageView{}, err
			}
			if users, err = r.participants(ctx, ids); err != nil {
				return model.MessageView{}, err
			}
			r.members[rcpt.ID] = users
		}
		v.Recipients = users
		v.DisplayRecipient = users
	default:
		return model.MessageView{}, fmt.Errorf("render message %d: recipient %d has no target", m.ID, rcpt.ID)
	}
	return v, nil
}

func (r *Renderer) participants(ctx context.Context, ids []int64) ([]model.DisplayUser, error) {
	ids = model.UniqueIDs(ids)
	var missing []int64
	for _, id := range ids {
		if _, ok := r.users[id]; !ok {
			missing = append(missing, id)
		}
	}
	if err := r.loadUsers(ctx, missing); err != nil {
		return nil, err
	}
	out := make([]model.DisplayUser, 0, len(ids))
	for _, id := range ids {
		u, ok := r.users[id]
		if !ok {
			continue
		}
		out = append(out, model.DisplayUser{Email: u.Email, FullName: u.FullName, ShortName: u.ShortName})
	}
	return out, nil
}
