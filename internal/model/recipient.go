package model

import (
	"errors"
	"fmt"
)

// RecipientKind is the persisted discriminator of a Target.
type RecipientKind int

const (
	KindPersonal RecipientKind = 1
	KindStream   RecipientKind = 2
	KindHuddle   RecipientKind = 3
)

func (k RecipientKind) String() string {
	switch k {
	case KindPersonal:
		return "personal"
	case KindStream:
		return "stream"
	case KindHuddle:
		return "huddle"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var ErrBadRecipientKind = errors.New("model: unknown recipient kind")

// Target is the addressed entity of a Recipient. It is a closed set:
// PersonalTarget, StreamTarget and HuddleTarget are the only implementations.
type Target interface {
	Kind() RecipientKind
	TypeID() int64
	isTarget()
}

type PersonalTarget struct{ UserID int64 }

type StreamTarget struct{ StreamID int64 }

type HuddleTarget struct{ HuddleID int64 }

func (PersonalTarget) Kind() RecipientKind { return KindPersonal }
func (t PersonalTarget) TypeID() int64     { return t.UserID }
func (PersonalTarget) isTarget()           {}

func (StreamTarget) Kind() RecipientKind { return KindStream }
func (t StreamTarget) TypeID() int64     { return t.StreamID }
func (StreamTarget) isTarget()           {}

func (HuddleTarget) Kind() RecipientKind { return KindHuddle }
func (t HuddleTarget) TypeID() int64     { return t.HuddleID }
func (HuddleTarget) isTarget()           {}

// TargetOf rebuilds a Target from its stored (kind, type_id) pair.
func TargetOf(kind RecipientKind, typeID int64) (Target, error) {
	switch kind {
	case KindPersonal:
		return PersonalTarget{UserID: typeID}, nil
	case KindStream:
		return StreamTarget{StreamID: typeID}, nil
	case KindHuddle:
		return HuddleTarget{HuddleID: typeID}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadRecipientKind, int(kind))
	}
}

// Recipient is an immutable addressing token. It is looked up by its Target.
type Recipient struct {
	ID     int64
	Target Target
}

func (r Recipient) String() string {
	if r.Target == nil {
		return fmt.Sprintf("recipient#%d(nil)", r.ID)
	}
	return fmt.Sprintf("recipient#%d(%s:%d)", r.ID, r.Target.Kind(), r.Target.TypeID())
}
