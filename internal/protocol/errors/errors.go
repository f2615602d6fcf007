// Package errors defines the API error taxonomy shared by the REST surface and the WebSocket gateway. Every domain
// error collapses to one of a small set of Kinds so that HTTP status codes and in-stream Error frames stay consistent
// regardless of which subsystem raised the error.
package errors

import "fmt"

// Kind is the coarse error category. Handlers map a Kind to an HTTP status and WS close/error behaviour; the specific
// Code carries the narrower, stable-for-clients reason.
type Kind int

const (
	KindInternal Kind = iota
	KindMissingAuth
	KindUnauthSession
	KindMissingPermissions
	KindNotFound
	KindConflict
	KindCantOverwrite
	KindTooBig
	KindBadRequest
	KindNotModified
	KindUnimplemented
)

// HTTPStatus returns the status code associated with a Kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindMissingAuth, KindUnauthSession:
		return 401
	case KindMissingPermissions:
		return 403
	case KindNotFound:
		return 404
	case KindConflict, KindCantOverwrite:
		return 409
	case KindTooBig:
		return 413
	case KindBadRequest:
		return 400
	case KindNotModified:
		return 304
	case KindUnimplemented:
		return 501
	default:
		return 500
	}
}

// Code is a stable, client-matchable error identifier. Strings are part of the wire contract: once shipped, a Code's
// meaning must not change.
type Code string

// Code constants used across the REST handlers and gateway. Each is paired with the Kind that governs its HTTP status
// and WS framing.
const (
	InternalError          Code = "internal_error"
	ServiceUnavailable     Code = "service_unavailable"
	SearchUnavailable      Code = "search_unavailable"
	Unimplemented          Code = "unimplemented"
	NotModified            Code = "not_modified"
	InvalidBody            Code = "invalid_body"
	ValidationError        Code = "validation_error"
	InvalidChannelID       Code = "invalid_channel_id"
	InvalidUsername        Code = "invalid_username"
	InvalidEmail           Code = "invalid_email"
	InvalidPassword        Code = "invalid_password"
	UnsupportedContentType Code = "unsupported_content_type"
	PayloadTooLarge        Code = "payload_too_large"
	CantOverwrite          Code = "cant_overwrite"
	Unauthorized           Code = "unauthorized"
	Unauthorised           Code = Unauthorized
	InvalidToken           Code = "invalid_token"
	InvalidCredentials     Code = "invalid_credentials"
	TokenExpired           Code = "token_expired"
	MFANotEnabled          Code = "mfa_not_enabled"
	EmailNotVerified       Code = "email_not_verified"
	MissingPermissions     Code = "missing_permissions"
	OwnerOnly              Code = "owner_only"
	ServerOwner            Code = "server_owner"
	RoleHierarchy          Code = "role_hierarchy"
	RateLimited            Code = "rate_limited"
	Banned                 Code = "banned"
	MembershipRequired     Code = "membership_required"
	OpenJoinDisabled       Code = "open_join_disabled"
	AlreadyMember          Code = "already_member"
	AlreadyExists          Code = "already_exists"
	NotFound               Code = "not_found"
	UnknownUser            Code = "unknown_user"
	UnknownChannel         Code = "unknown_channel"
	UnknownCategory        Code = "unknown_category"
	UnknownRole            Code = "unknown_role"
	UnknownMember          Code = "unknown_member"
	UnknownMessage         Code = "unknown_message"
	UnknownInvite          Code = "unknown_invite"
	UnknownBan             Code = "unknown_ban"
	UnknownOverride        Code = "unknown_override"
	UnknownAttachment      Code = "unknown_attachment"
	UnknownMedia           Code = "unknown_media"
	MaxChannelsReached     Code = "max_channels_reached"
	MaxCategoriesReached   Code = "max_categories_reached"
	MaxRolesReached        Code = "max_roles_reached"
)

// kindOf maps each Code to its governing Kind. Codes absent from this table default to KindInternal.
var kindOf = map[Code]Kind{
	ServiceUnavailable:     KindInternal,
	SearchUnavailable:      KindInternal,
	Unimplemented:          KindUnimplemented,
	NotModified:            KindNotModified,
	InvalidBody:            KindBadRequest,
	ValidationError:        KindBadRequest,
	InvalidChannelID:       KindBadRequest,
	InvalidUsername:        KindBadRequest,
	InvalidEmail:           KindBadRequest,
	InvalidPassword:        KindBadRequest,
	UnsupportedContentType: KindBadRequest,
	PayloadTooLarge:        KindTooBig,
	CantOverwrite:          KindCantOverwrite,
	Unauthorized:           KindMissingAuth,
	InvalidToken:           KindMissingAuth,
	InvalidCredentials:     KindMissingAuth,
	TokenExpired:           KindMissingAuth,
	MFANotEnabled:          KindMissingAuth,
	EmailNotVerified:       KindMissingAuth,
	MissingPermissions:     KindMissingPermissions,
	OwnerOnly:              KindMissingPermissions,
	ServerOwner:            KindMissingPermissions,
	RoleHierarchy:          KindMissingPermissions,
	RateLimited:            KindConflict,
	Banned:                 KindMissingPermissions,
	MembershipRequired:     KindMissingPermissions,
	OpenJoinDisabled:       KindMissingPermissions,
	AlreadyMember:          KindConflict,
	AlreadyExists:          KindConflict,
	NotFound:               KindNotFound,
	UnknownUser:            KindNotFound,
	UnknownChannel:         KindNotFound,
	UnknownCategory:        KindNotFound,
	UnknownRole:            KindNotFound,
	UnknownMember:          KindNotFound,
	UnknownMessage:         KindNotFound,
	UnknownInvite:          KindNotFound,
	UnknownBan:             KindNotFound,
	UnknownOverride:        KindNotFound,
	UnknownAttachment:      KindNotFound,
	UnknownMedia:           KindNotFound,
	MaxChannelsReached:     KindConflict,
	MaxCategoriesReached:   KindConflict,
	MaxRolesReached:        KindConflict,
}

// Kind returns the governing Kind for a Code, defaulting to KindInternal for unregistered codes.
func (c Code) Kind() Kind {
	if k, ok := kindOf[c]; ok {
		return k
	}
	return KindInternal
}

// HTTPStatus returns the HTTP status code that should accompany this Code.
func (c Code) HTTPStatus() int {
	return c.Kind().HTTPStatus()
}

// Error is a structured API error carrying a stable Code and a human-readable message. It implements the standard
// error interface so it can flow through normal Go error handling, while still exposing enough structure to render
// both JSON REST responses and WS Error frames.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error that also carries an underlying cause for logging/unwrapping.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Internal is a convenience constructor for unexpected failures.
func Internal(cause error) *Error {
	msg := "an internal error occurred"
	if cause != nil {
		msg = fmt.Sprintf("internal error: %v", cause)
	}
	return &Error{Code: InternalError, Message: msg, cause: cause}
}
