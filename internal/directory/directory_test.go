package directory

import (
	"context"
	"errors"
	"testing"

	"chatbus/internal/buserr"
	"chatbus/internal/model"
	"chatbus/internal/storage"
)

type fakeLookup struct {
	recipients map[int64]model.Recipient
	subs       map[int64][]int64
}

func (f *fakeLookup) RecipientByID(_ context.Context, id int64) (model.Recipient, error) {
	r, ok := f.recipients[id]
	if !ok {
		return model.Recipient{}, storage.ErrNotFound
	}
	return r, nil
}

func (f *fakeLookup) ActiveSubscribers(_ context.Context, recipientID int64) ([]int64, error) {
	return f.subs[recipientID], nil
}

func TestResolve(t *testing.T) {
	lk := &fakeLookup{
		recipients: map[int64]model.Recipient{
			1: {ID: 1, Target: model.PersonalTarget{UserID: 20}},
			2: {ID: 2, Target: model.StreamTarget{StreamID: 5}},
			3: {ID: 3, Target: model.HuddleTarget{HuddleID: 9}},
		},
		subs: map[int64][]int64{2: {30, 10, 30}, 3: {10, 20, 40}},
	}
	d := New(lk)
	ctx := context.Background()

	tests := []struct {
		name   string
		sender int64
		rcpt   int64
		want   []int64
	}{
		{"personal", 10, 1, []int64{10, 20}},
		{"self message", 20, 1, []int64{20}},
		{"stream ignores sender", 99, 2, []int64{10, 30}},
		{"huddle", 10, 3, []int64{10, 20, 40}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, got, err := d.ResolveID(ctx, tc.sender, tc.rcpt)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestResolveUnknownRecipientIsFatal(t *testing.T) {
	d := New(&fakeLookup{})
	_, _, err := d.ResolveID(context.Background(), 1, 404)
	if !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("err = %v", err)
	}
	if buserr.KindOf(err) != buserr.KindFatal {
		t.Fatalf("kind = %v", buserr.KindOf(err))
	}
	if _, err := d.Resolve(context.Background(), 1, model.Recipient{ID: 7}); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("nil target err = %v", err)
	}
}
