package model

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// NoPointer is the read cursor of a user who has not read anything yet.
const NoPointer int64 = -1

type Realm struct {
	ID     int64
	Domain string
}

type User struct {
	ID        int64
	RealmID   int64
	Email     string
	FullName  string
	ShortName string
	APIKey    string
	// Pointer is the last-seen message id. It only moves forward.
	Pointer int64
}

type Stream struct {
	ID      int64
	RealmID int64
	Name    string
}

// Huddle is an unordered group of at least two users.
// Hash is derived from the sorted member ids, so the same group always maps
// to the same huddle.
type Huddle struct {
	ID   int64
	Hash string
}

// HuddleHash returns the stable identity of a group of user ids.
// Duplicates are ignored and order does not matter.
func HuddleHash(userIDs []int64) string {
	ids := UniqueIDs(userIDs)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	sum := sha1.Sum([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}

// UniqueIDs returns ids sorted ascending without duplicates.
func UniqueIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}

type Subscription struct {
	ID          int64
	UserID      int64
	RecipientID int64
	Active      bool
}

type Message struct {
	ID            int64
	SenderID      int64
	RecipientID   int64
	Subject       string
	Content       string
	SentAt        time.Time
	SendingClient string
	// Mirrored marks messages injected from the legacy protocol.
	Mirrored bool
}

// UserMessage records that a message is visible to a user.
type UserMessage struct {
	UserID    int64
	MessageID int64
}

// Draft is a message that has not been assigned an id yet.
type Draft struct {
	SenderID      int64
	Recipient     Recipient
	Subject       string
	Content       string
	SentAt        time.Time
	SendingClient string
	Mirrored      bool
	// Forged drafts are replays authored on behalf of another user;
	// an identical stored message is reused instead of inserted.
	Forged bool
}

// MessageView is a message joined with the fields clients render.
type MessageView struct {
	ID               int64         `json:"id"`
	Type             string        `json:"type"`
	SenderEmail      string        `json:"sender_email"`
	SenderFullName   string        `json:"sender_full_name"`
	SenderShortName  string        `json:"sender_short_name"`
	DisplayRecipient any           `json:"display_recipient"`
	Subject          string        `json:"subject,omitempty"`
	Content          string        `json:"content"`
	Timestamp        int64         `json:"timestamp"`
	Client           string        `json:"client,omitempty"`
	Mirrored         bool          `json:"-"`
	Recipients       []DisplayUser `json:"-"`
}

// DisplayUser is one entry of a personal/huddle display_recipient list.
type DisplayUser struct {
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	ShortName string `json:"short_name"`
}

func (m MessageView) String() string {
	return fmt.Sprintf("message#%d(%s from %s)", m.ID, m.Type, m.SenderEmail)
}
