package channel

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/uncord-chat/uncord-server/internal/protocol/models"
)

// Channel type constants matching the database CHECK constraint. These mirror models.ChannelType* exactly; the
// duplication is intentional — this package never imports models for the constant values themselves, since
// models.Channel is a wire representation and Channel is the persisted/domain representation, and the two are
// allowed to diverge in everything but these literal strings.
const (
	TypeText          = "text"
	TypeVoice         = "voice"
	TypeAnnouncement  = "announcement"
	TypeForum         = "forum"
	TypeStage         = "stage"
	TypeThreadPublic  = "thread_public"
	TypeThreadPrivate = "thread_private"
	TypeDM            = "dm"
	TypeGroupDM       = "group_dm"
	TypeCategory      = "category"
	TypeBroadcast     = "broadcast"
)

// creatableTypes is the set of types accepted by ValidateType, i.e. the types a client may request directly via
// POST /channels. Threads, DMs, group DMs, categories, and broadcast channels are created through dedicated flows
// (thread-from-message, DM-open, category-create) that never go through this validator.
var creatableTypes = map[string]bool{
	TypeText:         true,
	TypeVoice:        true,
	TypeAnnouncement: true,
	TypeForum:        true,
	TypeStage:        true,
}

// threadTypes is used by IsThread.
var threadTypes = map[string]bool{
	TypeThreadPublic:  true,
	TypeThreadPrivate: true,
}

// Sentinel errors for the channel package.
var (
	ErrNotFound           = errors.New("channel not found")
	ErrMaxChannelsReached = errors.New("maximum number of channels reached")
	ErrNameLength         = errors.New("channel name must be between 1 and 100 characters")
	ErrInvalidType        = errors.New("invalid channel type")
	ErrTopicLength        = errors.New("channel topic must be 1024 characters or fewer")
	ErrInvalidSlowmode    = errors.New("slowmode seconds must be between 0 and 21600")
	ErrInvalidPosition    = errors.New("position must be non-negative")
	ErrCategoryNotFound   = errors.New("category not found")
	ErrParentNotFound     = errors.New("parent channel not found")
)

// Channel holds the fields read from the database. ParentID is set for threads (pointing at the channel the thread
// was forked from); CategoryID is set for top-level channels placed under a category. A channel never has both set.
type Channel struct {
	ID              uuid.UUID
	RoomID          uuid.UUID
	CategoryID      *uuid.UUID
	ParentID        *uuid.UUID
	Name            string
	Type            string
	Topic           string
	Position        int
	SlowmodeSeconds int
	NSFW            bool
	Locked          bool
	Archived        bool
	Recipients      []uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsThread reports whether the channel is a public or private thread.
func (c *Channel) IsThread() bool {
	return threadTypes[c.Type]
}

// ToModel converts the domain Channel to its wire representation.
func (c *Channel) ToModel() models.Channel {
	m := models.Channel{
		ID:              c.ID.String(),
		RoomID:          c.RoomID.String(),
		Name:            c.Name,
		Type:            c.Type,
		Position:        c.Position,
		SlowmodeSeconds: c.SlowmodeSeconds,
		NSFW:            c.NSFW,
		Locked:          c.Locked,
		Archived:        c.Archived,
		CreatedAt:       c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       c.UpdatedAt.Format(time.RFC3339),
	}
	if c.CategoryID != nil {
		id := c.CategoryID.String()
		m.CategoryID = &id
	}
	if c.ParentID != nil {
		id := c.ParentID.String()
		m.ParentID = &id
	}
	if c.Topic != "" {
		topic := c.Topic
		m.Topic = &topic
	}
	if len(c.Recipients) > 0 {
		m.Recipients = make([]models.MemberUser, len(c.Recipients))
		for i, id := range c.Recipients {
			m.Recipients[i] = models.MemberUser{ID: id.String()}
		}
	}
	return m
}

// CreateParams groups the inputs for creating a new channel.
type CreateParams struct {
	RoomID          uuid.UUID
	Name            string
	Type            string
	CategoryID      *uuid.UUID
	Topic           string
	SlowmodeSeconds int
	NSFW            bool
}

// UpdateParams groups the optional fields for updating a channel. SetCategoryNull distinguishes "no change" (nil
// CategoryID with SetCategoryNull false) from "remove from category" (nil CategoryID with SetCategoryNull true).
type UpdateParams struct {
	Name            *string
	CategoryID      *uuid.UUID
	SetCategoryNull bool
	Topic           *string
	Position        *int
	SlowmodeSeconds *int
	NSFW            *bool
	Locked          *bool
	Archived        *bool
}

// ValidateName checks that a non-nil name is between 1 and 100 characters (runes) after trimming whitespace. A nil
// pointer means "no change" (useful for PATCH semantics); a non-nil pointer is always validated. On success the
// pointed-to value is replaced with the trimmed result.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// ValidateNameRequired validates and trims a name that must be present. It returns the trimmed result on success.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateType checks that the channel type is one a client may request directly via POST /channels.
func ValidateType(t string) error {
	if !creatableTypes[t] {
		return ErrInvalidType
	}
	return nil
}

// ValidateTopic checks that a non-nil topic is 1024 characters (runes) or fewer. A nil pointer means "no change."
func ValidateTopic(topic *string) error {
	if topic == nil {
		return nil
	}
	if utf8.RuneCountInString(*topic) > 1024 {
		return ErrTopicLength
	}
	return nil
}

// ValidateSlowmode checks that a non-nil slowmode value is between 0 and 21600 (6 hours). A nil pointer means
// "no change."
func ValidateSlowmode(seconds *int) error {
	if seconds == nil {
		return nil
	}
	if *seconds < 0 || *seconds > 21600 {
		return ErrInvalidSlowmode
	}
	return nil
}

// ValidatePosition checks that a non-nil position is non-negative. A nil pointer means "no change."
func ValidatePosition(pos *int) error {
	if pos == nil {
		return nil
	}
	if *pos < 0 {
		return ErrInvalidPosition
	}
	return nil
}

// MaxOverwrites bounds the number of permission overwrites a single channel or category may carry.
const MaxOverwrites = 100

// MaxAncestorDepth bounds category -> channel -> thread nesting. A thread's parent is always a non-thread channel,
// and a channel's category is never itself nested, so the chain never exceeds three levels; this constant guards
// against a malformed or adversarial row graph rather than normal traversal.
const MaxAncestorDepth = 3

// DefaultRoomID is the room every channel belongs to on a single-room deployment. This deployment's HTTP surface
// (see the "server" routes in cmd/uncord) exposes exactly one room, so every channel is created and looked up
// against this fixed identifier rather than one resolved per-request from a room-scoped route.
var DefaultRoomID = uuid.Nil

// Repository defines the data-access contract for channel operations.
type Repository interface {
	List(ctx context.Context) ([]Channel, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Channel, error)
	Create(ctx context.Context, params CreateParams, maxChannels int) (*Channel, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Channel, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
