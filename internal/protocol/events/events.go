// Package events defines the gateway's opcode and dispatch-event vocabulary.
package events

// Opcode identifies the kind of frame exchanged over the gateway WebSocket.
type Opcode int

const (
	OpcodeDispatch Opcode = iota
	OpcodeHeartbeat
	OpcodeIdentify
	OpcodeResume
	OpcodeReconnect
	OpcodeInvalidSession
	OpcodeHello
	OpcodeHeartbeatACK
	OpcodePresenceUpdate
	OpcodeListSubscribe
	OpcodeListUnsubscribe
)

// DispatchEvent names the payload carried by an OpcodeDispatch frame.
type DispatchEvent string

const (
	Ready    DispatchEvent = "READY"
	Resumed  DispatchEvent = "RESUMED"

	ServerUpdate DispatchEvent = "SERVER_UPDATE"

	ChannelCreate DispatchEvent = "CHANNEL_CREATE"
	ChannelUpdate DispatchEvent = "CHANNEL_UPDATE"
	ChannelDelete DispatchEvent = "CHANNEL_DELETE"

	RoleCreate DispatchEvent = "ROLE_CREATE"
	RoleUpdate DispatchEvent = "ROLE_UPDATE"
	RoleDelete DispatchEvent = "ROLE_DELETE"

	MemberAdd    DispatchEvent = "MEMBER_ADD"
	MemberUpdate DispatchEvent = "MEMBER_UPDATE"
	MemberRemove DispatchEvent = "MEMBER_REMOVE"

	MessageCreate DispatchEvent = "MESSAGE_CREATE"
	MessageUpdate DispatchEvent = "MESSAGE_UPDATE"
	MessageDelete DispatchEvent = "MESSAGE_DELETE"

	PresenceUpdate DispatchEvent = "PRESENCE_UPDATE"
	TypingStart    DispatchEvent = "TYPING_START"
	TypingStop     DispatchEvent = "TYPING_STOP"

	// CallCreate/CallUpdate/CallDelete track a voice call's lifecycle on a voice-capable channel.
	CallCreate DispatchEvent = "CALL_CREATE"
	CallUpdate DispatchEvent = "CALL_UPDATE"
	CallDelete DispatchEvent = "CALL_DELETE"

	// VoiceStateUpdate is dispatched whenever a member's voice connection state changes (join, leave, mute, deafen).
	VoiceStateUpdate DispatchEvent = "VOICE_STATE_UPDATE"

	// MemberListUpdate carries an incremental member-list view-model sync (insert/update/delete/sync-group ops).
	MemberListUpdate DispatchEvent = "MEMBER_LIST_UPDATE"
)
