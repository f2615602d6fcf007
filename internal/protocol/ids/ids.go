// Package ids defines the strongly typed identifiers used across the protocol. Every entity ID is a distinct Go type
// wrapping a UUIDv7 so that a RoomID and a ChannelID can never be swapped at a call site without a compile error, and
// so that IDs remain k-sortable by creation time without a separate sequence column.
package ids

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// typed is implemented by every ID newtype below. It exists only to let generic helpers (New, Parse) work across all
// of them without repeating the same three lines per type.
type typed interface {
	~[16]byte
}

func newID[T typed]() T {
	return T(uuid.Must(uuid.NewV7()))
}

func parseID[T typed](s string) (T, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return T{}, err
	}
	return T(u), nil
}

// RoomID identifies a room (the multi-tenant equivalent of a Discord server/guild).
type RoomID [16]byte

// ChannelID identifies a channel, thread, DM, or group DM. Threads and DMs are channels with a narrower Type.
type ChannelID [16]byte

// UserID identifies an account.
type UserID [16]byte

// RoleID identifies a role within a room.
type RoleID [16]byte

// MessageID identifies a message. Being a UUIDv7, its leading bits are a millisecond timestamp, which is why message
// IDs double as the cursor for pagination.
type MessageID [16]byte

// SessionID identifies a resumable gateway session.
type SessionID [16]byte

// MediaID identifies an uploaded media object, content-addressed once fully transferred.
type MediaID [16]byte

// InviteID identifies a room invite.
type InviteID [16]byte

// OverrideID identifies a channel or category permission override row.
type OverrideID [16]byte

// CallID identifies a voice call. A call shares the ID space of the channel that hosts it.
type CallID [16]byte

// SfuID identifies a voice SFU instance.
type SfuID [16]byte

func (id RoomID) String() string     { return uuid.UUID(id).String() }
func (id ChannelID) String() string  { return uuid.UUID(id).String() }
func (id UserID) String() string     { return uuid.UUID(id).String() }
func (id RoleID) String() string     { return uuid.UUID(id).String() }
func (id MessageID) String() string  { return uuid.UUID(id).String() }
func (id SessionID) String() string  { return uuid.UUID(id).String() }
func (id MediaID) String() string    { return uuid.UUID(id).String() }
func (id InviteID) String() string   { return uuid.UUID(id).String() }
func (id OverrideID) String() string { return uuid.UUID(id).String() }
func (id CallID) String() string     { return uuid.UUID(id).String() }
func (id SfuID) String() string      { return uuid.UUID(id).String() }

func (id RoomID) IsNil() bool     { return id == RoomID{} }
func (id ChannelID) IsNil() bool  { return id == ChannelID{} }
func (id UserID) IsNil() bool     { return id == UserID{} }
func (id RoleID) IsNil() bool     { return id == RoleID{} }
func (id MessageID) IsNil() bool  { return id == MessageID{} }
func (id SessionID) IsNil() bool  { return id == SessionID{} }
func (id MediaID) IsNil() bool    { return id == MediaID{} }
func (id InviteID) IsNil() bool   { return id == InviteID{} }
func (id OverrideID) IsNil() bool { return id == OverrideID{} }
func (id CallID) IsNil() bool     { return id == CallID{} }
func (id SfuID) IsNil() bool      { return id == SfuID{} }

// NewRoomID, NewChannelID, ... mint a fresh, time-ordered ID of the given type.
func NewRoomID() RoomID         { return newID[RoomID]() }
func NewChannelID() ChannelID   { return newID[ChannelID]() }
func NewUserID() UserID         { return newID[UserID]() }
func NewRoleID() RoleID         { return newID[RoleID]() }
func NewMessageID() MessageID   { return newID[MessageID]() }
func NewSessionID() SessionID   { return newID[SessionID]() }
func NewMediaID() MediaID       { return newID[MediaID]() }
func NewInviteID() InviteID     { return newID[InviteID]() }
func NewOverrideID() OverrideID { return newID[OverrideID]() }
func NewCallID() CallID         { return newID[CallID]() }
func NewSfuID() SfuID           { return newID[SfuID]() }

// ParseRoomID, ParseChannelID, ... parse a canonical UUID string into the given ID type.
func ParseRoomID(s string) (RoomID, error)         { return parseID[RoomID](s) }
func ParseChannelID(s string) (ChannelID, error)   { return parseID[ChannelID](s) }
func ParseUserID(s string) (UserID, error)         { return parseID[UserID](s) }
func ParseRoleID(s string) (RoleID, error)         { return parseID[RoleID](s) }
func ParseMessageID(s string) (MessageID, error)   { return parseID[MessageID](s) }
func ParseSessionID(s string) (SessionID, error)   { return parseID[SessionID](s) }
func ParseMediaID(s string) (MediaID, error)       { return parseID[MediaID](s) }
func ParseInviteID(s string) (InviteID, error)     { return parseID[InviteID](s) }
func ParseOverrideID(s string) (OverrideID, error) { return parseID[OverrideID](s) }
func ParseCallID(s string) (CallID, error)         { return parseID[CallID](s) }
func ParseSfuID(s string) (SfuID, error)           { return parseID[SfuID](s) }

// The MarshalText/UnmarshalText pair below is implemented once via a generic helper and hung off each type so that
// every ID serialises as a plain JSON string instead of a base64 byte array.

func marshalText[T typed](id T) ([]byte, error) {
	return []byte(uuid.UUID(id).String()), nil
}

func unmarshalText[T typed](dst *T, text []byte) error {
	u, err := uuid.ParseBytes(text)
	if err != nil {
		return fmt.Errorf("parse id %q: %w", text, err)
	}
	*dst = T(u)
	return nil
}

func (id RoomID) MarshalText() ([]byte, error)     { return marshalText(id) }
func (id *RoomID) UnmarshalText(b []byte) error     { return unmarshalText(id, b) }
func (id ChannelID) MarshalText() ([]byte, error)   { return marshalText(id) }
func (id *ChannelID) UnmarshalText(b []byte) error  { return unmarshalText(id, b) }
func (id UserID) MarshalText() ([]byte, error)      { return marshalText(id) }
func (id *UserID) UnmarshalText(b []byte) error      { return unmarshalText(id, b) }
func (id RoleID) MarshalText() ([]byte, error)      { return marshalText(id) }
func (id *RoleID) UnmarshalText(b []byte) error     { return unmarshalText(id, b) }
func (id MessageID) MarshalText() ([]byte, error)   { return marshalText(id) }
func (id *MessageID) UnmarshalText(b []byte) error  { return unmarshalText(id, b) }
func (id SessionID) MarshalText() ([]byte, error)   { return marshalText(id) }
func (id *SessionID) UnmarshalText(b []byte) error  { return unmarshalText(id, b) }
func (id MediaID) MarshalText() ([]byte, error)     { return marshalText(id) }
func (id *MediaID) UnmarshalText(b []byte) error    { return unmarshalText(id, b) }
func (id InviteID) MarshalText() ([]byte, error)    { return marshalText(id) }
func (id *InviteID) UnmarshalText(b []byte) error   { return unmarshalText(id, b) }
func (id OverrideID) MarshalText() ([]byte, error)  { return marshalText(id) }
func (id *OverrideID) UnmarshalText(b []byte) error { return unmarshalText(id, b) }
func (id CallID) MarshalText() ([]byte, error)      { return marshalText(id) }
func (id *CallID) UnmarshalText(b []byte) error     { return unmarshalText(id, b) }
func (id SfuID) MarshalText() ([]byte, error)       { return marshalText(id) }
func (id *SfuID) UnmarshalText(b []byte) error      { return unmarshalText(id, b) }

// Value implements driver.Valuer so IDs can be written directly as pgx query arguments.
func (id RoomID) Value() (driver.Value, error)     { return uuid.UUID(id).String(), nil }
func (id ChannelID) Value() (driver.Value, error)  { return uuid.UUID(id).String(), nil }
func (id UserID) Value() (driver.Value, error)     { return uuid.UUID(id).String(), nil }
func (id RoleID) Value() (driver.Value, error)     { return uuid.UUID(id).String(), nil }
func (id MessageID) Value() (driver.Value, error)  { return uuid.UUID(id).String(), nil }
func (id SessionID) Value() (driver.Value, error)  { return uuid.UUID(id).String(), nil }
func (id MediaID) Value() (driver.Value, error)    { return uuid.UUID(id).String(), nil }
func (id InviteID) Value() (driver.Value, error)   { return uuid.UUID(id).String(), nil }
func (id OverrideID) Value() (driver.Value, error) { return uuid.UUID(id).String(), nil }
func (id CallID) Value() (driver.Value, error)     { return uuid.UUID(id).String(), nil }
func (id SfuID) Value() (driver.Value, error)      { return uuid.UUID(id).String(), nil }

// Scan implements sql.Scanner so IDs can be read directly from pgx rows.
func (id *RoomID) Scan(src any) error     { return scanInto(id, src) }
func (id *ChannelID) Scan(src any) error  { return scanInto(id, src) }
func (id *UserID) Scan(src any) error     { return scanInto(id, src) }
func (id *RoleID) Scan(src any) error     { return scanInto(id, src) }
func (id *MessageID) Scan(src any) error  { return scanInto(id, src) }
func (id *SessionID) Scan(src any) error  { return scanInto(id, src) }
func (id *MediaID) Scan(src any) error    { return scanInto(id, src) }
func (id *InviteID) Scan(src any) error   { return scanInto(id, src) }
func (id *OverrideID) Scan(src any) error { return scanInto(id, src) }
func (id *CallID) Scan(src any) error     { return scanInto(id, src) }
func (id *SfuID) Scan(src any) error      { return scanInto(id, src) }

func scanInto[T typed](dst *T, src any) error {
	switch v := src.(type) {
	case string:
		u, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		*dst = T(u)
		return nil
	case [16]byte:
		*dst = T(v)
		return nil
	case nil:
		*dst = T{}
		return nil
	default:
		return fmt.Errorf("unsupported id scan source type %T", src)
	}
}
