// Package models defines the wire representations exchanged over the REST API and the gateway WebSocket. These are
// plain JSON-tagged structs; the internal packages hold the richer, validated domain types and convert to these via
// ToModel methods at the boundary.
package models

// MemberUser is the public-facing subset of a user's profile, embedded wherever a member or message author is
// rendered.
type MemberUser struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName *string `json:"display_name,omitempty"`
	AvatarKey   *string `json:"avatar_key,omitempty"`
}

// User is the full account profile returned to the account's own owner.
type User struct {
	ID                   string  `json:"id"`
	Email                string  `json:"email"`
	Username             string  `json:"username"`
	DisplayName          *string `json:"display_name,omitempty"`
	AvatarKey            *string `json:"avatar_key,omitempty"`
	Pronouns             *string `json:"pronouns,omitempty"`
	BannerKey            *string `json:"banner_key,omitempty"`
	About                *string `json:"about,omitempty"`
	ThemeColourPrimary   *string `json:"theme_colour_primary,omitempty"`
	ThemeColourSecondary *string `json:"theme_colour_secondary,omitempty"`
	MFAEnabled           bool    `json:"mfa_enabled"`
	EmailVerified        bool    `json:"email_verified"`
}

// UpdateUserRequest is the body of PATCH /api/v1/users/@me.
type UpdateUserRequest struct {
	DisplayName          *string `json:"display_name"`
	AvatarKey             *string `json:"avatar_key"`
	Pronouns             *string `json:"pronouns"`
	BannerKey            *string `json:"banner_key"`
	About                *string `json:"about"`
	ThemeColourPrimary   *string `json:"theme_colour_primary"`
	ThemeColourSecondary *string `json:"theme_colour_secondary"`
}

// DeleteAccountRequest is the body of DELETE /api/v1/users/@me, requiring password reconfirmation.
type DeleteAccountRequest struct {
	Password string `json:"password"`
}

// Member status values.
const (
	MemberStatusPending  = "pending"
	MemberStatusActive   = "active"
	MemberStatusTimedOut = "timed_out"
)

// Member is a room membership record joined with its user's public profile.
type Member struct {
	User         MemberUser `json:"user"`
	Nickname     *string    `json:"nickname,omitempty"`
	Roles        []string   `json:"roles"`
	JoinedAt     string     `json:"joined_at"`
	TimeoutUntil *string    `json:"timeout_until,omitempty"`
	Status       string     `json:"status"`
}

// UpdateMemberRequest is the body of PATCH on a member (nickname and/or role changes).
type UpdateMemberRequest struct {
	Nickname *string   `json:"nickname"`
	Roles    *[]string `json:"roles"`
}

// TimeoutMemberRequest sets or clears a member's timeout.
type TimeoutMemberRequest struct {
	Until *string `json:"until"`
}

// BanMemberRequest is the body of a ban request.
type BanMemberRequest struct {
	Reason        *string `json:"reason"`
	ExpiresAt     *string `json:"expires_at"`
	DeleteHistory bool    `json:"delete_history_days"`
}

// Ban is a ban record joined with the banned user's public profile.
type Ban struct {
	User      MemberUser `json:"user"`
	Reason    *string    `json:"reason,omitempty"`
	BannedBy  *string    `json:"banned_by,omitempty"`
	ExpiresAt *string    `json:"expires_at,omitempty"`
	CreatedAt string     `json:"created_at"`
}

// Channel types. Threads are channels whose ParentID points at the channel they were forked from.
const (
	ChannelTypeText           = "text"
	ChannelTypeVoice          = "voice"
	ChannelTypeAnnouncement   = "announcement"
	ChannelTypeForum          = "forum"
	ChannelTypeStage          = "stage"
	ChannelTypeThreadPublic   = "thread_public"
	ChannelTypeThreadPrivate  = "thread_private"
	ChannelTypeDM             = "dm"
	ChannelTypeGroupDM        = "group_dm"
	ChannelTypeCategory       = "category"
	ChannelTypeBroadcast      = "broadcast"
)

// Channel is a channel, thread, DM, group DM, or category within a room.
type Channel struct {
	ID              string       `json:"id"`
	RoomID          string       `json:"room_id"`
	CategoryID      *string      `json:"category_id,omitempty"`
	ParentID        *string      `json:"parent_id,omitempty"`
	Name            string       `json:"name"`
	Type            string       `json:"type"`
	Topic           *string      `json:"topic,omitempty"`
	Position        int          `json:"position"`
	SlowmodeSeconds int          `json:"slowmode_seconds"`
	NSFW            bool         `json:"nsfw"`
	Locked          bool         `json:"locked"`
	Archived        bool         `json:"archived"`
	Recipients      []MemberUser `json:"recipients,omitempty"`
	CreatedAt       string       `json:"created_at"`
	UpdatedAt       string       `json:"updated_at"`
}

// CreateChannelRequest is the body of POST /api/v1/server/channels.
type CreateChannelRequest struct {
	Name            string  `json:"name"`
	Type            string  `json:"type"`
	Topic           *string `json:"topic"`
	CategoryID      *string `json:"category_id"`
	ParentID        *string `json:"parent_id"`
	SlowmodeSeconds *int    `json:"slowmode_seconds"`
	NSFW            *bool   `json:"nsfw"`
}

// UpdateChannelRequest is the body of PATCH on a channel.
type UpdateChannelRequest struct {
	Name            *string `json:"name"`
	Topic           *string `json:"topic"`
	CategoryID      *string `json:"category_id"`
	Position        *int    `json:"position"`
	SlowmodeSeconds *int    `json:"slowmode_seconds"`
	NSFW            *bool   `json:"nsfw"`
	Locked          *bool   `json:"locked"`
	Archived        *bool   `json:"archived"`
}

// ChannelDeleteData is the gateway payload for a ChannelDelete dispatch.
type ChannelDeleteData struct {
	ID     string `json:"id"`
	RoomID string `json:"room_id"`
}

// Category groups channels within a room's sidebar.
type Category struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Position  int    `json:"position"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// CreateCategoryRequest is the body of POST /api/v1/server/categories.
type CreateCategoryRequest struct {
	Name string `json:"name"`
}

// UpdateCategoryRequest is the body of PATCH on a category.
type UpdateCategoryRequest struct {
	Name     *string `json:"name"`
	Position *int    `json:"position"`
}

// Attachment describes an uploaded file attached to a message.
type Attachment struct {
	ID           string  `json:"id"`
	Filename     string  `json:"filename"`
	URL          string  `json:"url"`
	ThumbnailURL *string `json:"thumbnail_url,omitempty"`
	Size         int64   `json:"size"`
	ContentType  string  `json:"content_type"`
	Width        *int    `json:"width,omitempty"`
	Height       *int    `json:"height,omitempty"`
}

// MediaCreateRequest is the body of POST /api/v1/media, covering both source kinds from spec §4.2: Upload (client
// declares a size and then PATCHes bytes in) or Download (server fetches source_url itself).
type MediaCreateRequest struct {
	Source      string `json:"source"` // "upload" or "download"
	Filename    string `json:"filename"`
	Alt         string `json:"alt,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
}

// MediaCreatedResponse is returned from POST /api/v1/media. UploadURL is present only for the upload source kind; a
// download source resolves synchronously and returns Media instead.
type MediaCreatedResponse struct {
	MediaID   string `json:"media_id"`
	UploadURL string `json:"upload_url,omitempty"`
	Media     *Media `json:"media,omitempty"`
}

// Media describes a fully processed object from the C2 media pipeline.
type Media struct {
	ID          string         `json:"id"`
	State       string         `json:"state"`
	Variant     string         `json:"variant"`
	Filename    string         `json:"filename"`
	Alt         string         `json:"alt,omitempty"`
	ContentType string         `json:"content_type"`
	Size        int64          `json:"size"`
	Width       *int           `json:"width,omitempty"`
	Height      *int           `json:"height,omitempty"`
	DurationMS  *int64         `json:"duration_ms,omitempty"`
	URL         string         `json:"url"`
	Thumbnails  map[string]any `json:"thumbnails,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// Message is a channel message with its resolved author profile and attachments.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	Author      MemberUser   `json:"author"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyToID   *string      `json:"reply_to_id,omitempty"`
	Pinned      bool         `json:"pinned"`
	EditedAt    *string      `json:"edited_at,omitempty"`
	CreatedAt   string       `json:"created_at"`
}

// CreateMessageRequest is the body of POST on a channel's messages collection.
type CreateMessageRequest struct {
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachment_ids"`
	ReplyToID     *string  `json:"reply_to_id"`
}

// UpdateMessageRequest is the body of PATCH on a message.
type UpdateMessageRequest struct {
	Content string `json:"content"`
}

// MessageResponse wraps a single message for endpoints that return exactly one.
type MessageResponse struct {
	Message Message `json:"message"`
}

// MessageDeleteData is the gateway payload for a MessageDelete dispatch.
type MessageDeleteData struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

// MemberRemoveData is the gateway payload for a MemberRemove dispatch (kick, ban, or leave).
type MemberRemoveData struct {
	UserID string `json:"user_id"`
}

// Role is a room role.
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Colour      int    `json:"colour"`
	Position    int    `json:"position"`
	Hoist       bool   `json:"hoist"`
	Permissions int64  `json:"permissions"`
	IsEveryone  bool   `json:"is_everyone"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// CreateRoleRequest is the body of POST /api/v1/server/roles.
type CreateRoleRequest struct {
	Name        string `json:"name"`
	Colour      int    `json:"colour"`
	Permissions int64  `json:"permissions"`
	Hoist       bool   `json:"hoist"`
}

// UpdateRoleRequest is the body of PATCH on a role.
type UpdateRoleRequest struct {
	Name        *string `json:"name"`
	Colour      *int    `json:"colour"`
	Position    *int    `json:"position"`
	Permissions *int64  `json:"permissions"`
	Hoist       *bool   `json:"hoist"`
}

// RoleDeleteData is the gateway payload for a RoleDelete dispatch.
type RoleDeleteData struct {
	ID string `json:"id"`
}

// PermissionOverride is a channel or category-scoped allow/deny override for a role or user.
type PermissionOverride struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	TargetID  string `json:"target_id"`
	Allow     int64  `json:"allow"`
	Deny      int64  `json:"deny"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// SetOverrideRequest is the body of PUT on a channel/category override.
type SetOverrideRequest struct {
	Allow int64 `json:"allow"`
	Deny  int64 `json:"deny"`
}

// ResolvedPermissions is the response of the "what can I do here" endpoint.
type ResolvedPermissions struct {
	Permissions int64 `json:"permissions"`
}

// Invite is a room invite.
type Invite struct {
	Code          string  `json:"code"`
	ChannelID     string  `json:"channel_id"`
	CreatorID     string  `json:"creator_id"`
	MaxUses       *int    `json:"max_uses,omitempty"`
	UseCount      int     `json:"use_count"`
	MaxAgeSeconds *int    `json:"max_age_seconds,omitempty"`
	ExpiresAt     *string `json:"expires_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// CreateInviteRequest is the body of POST on a channel's invites collection.
type CreateInviteRequest struct {
	MaxUses       *int `json:"max_uses"`
	MaxAgeSeconds *int `json:"max_age_seconds"`
}

// PublicServerInfo is the unauthenticated preview returned for an invite code.
type PublicServerInfo struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	IconKey     *string `json:"icon_key,omitempty"`
	MemberCount int     `json:"member_count"`
}

// ServerConfig is the room-wide configuration object.
type ServerConfig struct {
	Name             string  `json:"name"`
	Description      *string `json:"description,omitempty"`
	IconKey          *string `json:"icon_key,omitempty"`
	OpenJoin         bool    `json:"open_join"`
	WelcomeChannelID *string `json:"welcome_channel_id,omitempty"`
}

// UpdateServerConfigRequest is the body of PATCH on the room configuration.
type UpdateServerConfigRequest struct {
	Name             *string `json:"name"`
	Description      *string `json:"description"`
	IconKey          *string `json:"icon_key"`
	OpenJoin         *bool   `json:"open_join"`
	WelcomeChannelID *string `json:"welcome_channel_id"`
}

// Onboarding step identifiers in the order a new member progresses through them.
const (
	OnboardingStepVerifyEmail     = "verify_email"
	OnboardingStepAcceptDocuments = "accept_documents"
	OnboardingStepJoinServer      = "join_server"
	OnboardingStepComplete        = "complete"
)

// OnboardingDocument is a document (rules, ToS) the member must acknowledge before activation.
type OnboardingDocument struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// OnboardingConfig describes the room's onboarding flow.
type OnboardingConfig struct {
	RequireEmailVerification bool                 `json:"require_email_verification"`
	Documents                []OnboardingDocument `json:"documents"`
	AutoRoleIDs              []string             `json:"auto_role_ids"`
	WelcomeChannelID         *string              `json:"welcome_channel_id,omitempty"`
}

// UpdateOnboardingConfigRequest is the body of PATCH on the onboarding configuration.
type UpdateOnboardingConfigRequest struct {
	RequireEmailVerification *bool     `json:"require_email_verification"`
	Documents                []OnboardingDocument `json:"documents"`
	AutoRoleIDs              *[]string `json:"auto_role_ids"`
	WelcomeChannelID         *string   `json:"welcome_channel_id"`
}

// AcceptOnboardingRequest is the body the client posts to acknowledge onboarding documents.
type AcceptOnboardingRequest struct {
	AcceptedDocumentIDs []string `json:"accepted_document_ids"`
}

// OnboardingStatusResponse reports a member's current onboarding step.
type OnboardingStatusResponse struct {
	Step   string `json:"step"`
	Status string `json:"status"`
}

// MFA setup/confirm/disable request and response bodies.
type (
	MFASetupResponse struct {
		Secret     string `json:"secret"`
		QRCodePNG  string `json:"qr_code_png"`
		OTPAuthURL string `json:"otp_auth_url"`
	}
	MFAConfirmRequest struct {
		Code string `json:"code"`
	}
	MFAConfirmResponse struct {
		RecoveryCodes []string `json:"recovery_codes"`
	}
	MFADisableRequest struct {
		Code string `json:"code"`
	}
	MFARegenerateCodesRequest struct {
		Code string `json:"code"`
	}
	MFARegenerateCodesResponse struct {
		RecoveryCodes []string `json:"recovery_codes"`
	}
)

// SearchMessageHit is a single search result, the matching message plus a highlighted snippet.
type SearchMessageHit struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet"`
}

// SearchResponse wraps a page of search hits.
type SearchResponse struct {
	Hits       []SearchMessageHit `json:"hits"`
	TotalHits  int                `json:"total_hits"`
	NextCursor *string            `json:"next_cursor,omitempty"`
}

// Presence status values.
const (
	PresenceOnline  = "online"
	PresenceIdle    = "idle"
	PresenceDND     = "dnd"
	PresenceOffline = "offline"
)

// PresenceState is a user's presence as broadcast to other clients.
type PresenceState struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// PresenceUpdateRequest is sent by a client to change its own presence.
type PresenceUpdateRequest struct {
	Status string `json:"status"`
}

// PresenceUpdateData is the gateway payload broadcast for a presence change.
type PresenceUpdateData struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// HelloData is sent by the server immediately after a client connects.
type HelloData struct {
	HeartbeatInterval int `json:"heartbeat_interval_ms"`
}

// IdentifyData is sent by the client to authenticate a new session.
type IdentifyData struct {
	Token string `json:"token"`
}

// ResumeData is sent by the client to reattach to a previous session.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// ReadyData is the payload of the Ready dispatch sent after a successful Identify.
type ReadyData struct {
	SessionID  string          `json:"session_id"`
	User       User            `json:"user"`
	Server     ServerConfig    `json:"server"`
	Channels   []Channel       `json:"channels"`
	Roles      []Role          `json:"roles"`
	Members    []Member        `json:"members"`
	Presences  []PresenceState `json:"presences"`
	Onboarding *OnboardingConfig `json:"onboarding,omitempty"`
}

// TypingStartData is the gateway payload broadcast when a user starts typing.
type TypingStartData struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

// TypingStopData is the gateway payload broadcast when a user stops typing (or sends a message).
type TypingStopData struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

// Call is the gateway payload for CALL_CREATE/CALL_UPDATE/CALL_DELETE.
type Call struct {
	RoomID    string  `json:"room_id"`
	ChannelID string  `json:"channel_id"`
	Topic     *string `json:"topic,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// CallDeleteData is the gateway payload for CALL_DELETE, which carries only the channel the call belonged to.
type CallDeleteData struct {
	ChannelID string `json:"channel_id"`
}

// VoiceState is the gateway payload for VOICE_STATE_UPDATE. A nil payload embedded at the dispatch layer (not
// representable in this struct directly) signals a disconnect; callers instead diff against the previous state per
// spec.md §4.3's symmetric signaling model.
type VoiceState struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Mute      bool   `json:"mute"`
	Deaf      bool   `json:"deaf"`
	SelfMute  bool   `json:"self_mute"`
	SelfDeaf  bool   `json:"self_deaf"`
	SelfVideo bool   `json:"self_video"`
	Suppress  bool   `json:"suppress"`
}

// MemberListOp is one incremental change within a MEMBER_LIST_UPDATE payload, mirroring internal/memberlist's Op.
type MemberListOp struct {
	Kind     string           `json:"kind"` // "insert" | "update" | "delete" | "sync_group"
	GroupKey string           `json:"group_key"`
	Index    int              `json:"index,omitempty"`
	Entry    *MemberListRow   `json:"entry,omitempty"`
	Group    *MemberListGroup `json:"group,omitempty"`
}

// MemberListRow is one rendered row of the member sidebar.
type MemberListRow struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Online      bool   `json:"online"`
}

// MemberListGroup is one ordered section (a hoisted role, Online, or Offline) of the member sidebar.
type MemberListGroup struct {
	Key     string          `json:"key"`
	Members []MemberListRow `json:"members"`
}

// MemberListUpdateData is the gateway payload for MEMBER_LIST_UPDATE: a batch of ops against a scope (room or
// thread) the client has an active range subscription for.
type MemberListUpdateData struct {
	ScopeID string         `json:"scope_id"`
	Ops     []MemberListOp `json:"ops"`
}

// MemberListRange is an inclusive index range into the flattened, ordered member sequence, matching
// internal/memberlist.Range.
type MemberListRange struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// MemberListSubscribeData is sent by the client (op ListSubscribe) to request an initial sync batch plus a
// live incremental stream for the given scope and index ranges. Subscribing again for the same scope replaces the
// previous range set rather than adding a second stream.
type MemberListSubscribeData struct {
	ScopeID string            `json:"scope_id"`
	Ranges  []MemberListRange `json:"ranges"`
}

// MemberListUnsubscribeData is sent by the client (op ListUnsubscribe) to stop a scope's incremental stream.
type MemberListUnsubscribeData struct {
	ScopeID string `json:"scope_id"`
}
