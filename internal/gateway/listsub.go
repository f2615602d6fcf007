package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uncord-chat/uncord-server/internal/memberlist"
	"github.com/uncord-chat/uncord-server/internal/protocol/events"
	"github.com/uncord-chat/uncord-server/internal/protocol/models"
)

// listScopeLoadTimeout bounds how long a lazy actor creation may spend loading membership and role data before the
// subscribing client is told the scope is unavailable.
const listScopeLoadTimeout = 5 * time.Second

// handleListSubscribe processes an OpcodeListSubscribe frame. Unlike the rest of the dispatch surface, member-list
// updates are not broadcast through Valkey pub/sub: each actor is scoped to one process's in-memory state and
// streams incremental ops directly to whichever clients have subscribed to overlapping index ranges, so the
// forwarding goroutine lives on the client's connection rather than going through handlePubSubEvent. The actor for
// a scope is created lazily here, on first subscription, rather than eagerly for every channel at startup.
func (h *Hub) handleListSubscribe(client *Client, data json.RawMessage) {
	var req models.MemberListSubscribeData
	if err := json.Unmarshal(data, &req); err != nil {
		client.closeWithCode(CloseDecodeError, "invalid list subscribe payload")
		return
	}

	if h.lists == nil {
		h.sendListError(client, req.ScopeID, "member list subscriptions are not available")
		return
	}

	scopeID, err := uuid.Parse(req.ScopeID)
	if err != nil {
		h.sendListError(client, req.ScopeID, "invalid scope id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), listScopeLoadTimeout)
	actor, err := h.lists.GetOrCreate(ctx, scopeID)
	cancel()
	if err != nil {
		h.log.Warn().Err(err).Str("scope_id", req.ScopeID).Msg("Failed to load member-list scope")
		h.sendListError(client, req.ScopeID, "unknown scope")
		return
	}

	ranges := make([]memberlist.Range, len(req.Ranges))
	for i, r := range req.Ranges {
		ranges[i] = memberlist.Range{Lo: r.Lo, Hi: r.Hi}
	}

	client.resubscribeList(req.ScopeID, actor, ranges)
}

// listLifecycleEvents are the dispatch events that can change a channel scope's visible membership, role hoisting,
// or online status. MemberAdd/MemberUpdate/MemberRemove/RoleCreate/RoleUpdate/RoleDelete are not channel-scoped (this
// system has server-wide membership and roles, not a per-channel roster), so they refresh every live scope rather
// than one channel; PresenceUpdate is likewise global. ChannelDelete tears its scope's actor down instead.
func (h *Hub) handleListLifecycleEvent(ctx context.Context, eventType events.DispatchEvent, channelID uuid.UUID, isChannelScoped bool) {
	if h.lists == nil {
		return
	}
	switch eventType {
	case events.MemberAdd, events.MemberUpdate, events.MemberRemove,
		events.RoleCreate, events.RoleUpdate, events.RoleDelete,
		events.PresenceUpdate:
		h.lists.RefreshAll(ctx)
	case events.ChannelDelete:
		if isChannelScoped {
			h.lists.Teardown(channelID)
		}
	}
}

// handleListUnsubscribe processes an OpcodeListUnsubscribe frame.
func (h *Hub) handleListUnsubscribe(client *Client, data json.RawMessage) {
	var req models.MemberListUnsubscribeData
	if err := json.Unmarshal(data, &req); err != nil {
		client.closeWithCode(CloseDecodeError, "invalid list unsubscribe payload")
		return
	}
	client.cancelListSubscription(req.ScopeID)
}

// sendListError enqueues a best-effort error dispatch so the client can distinguish "no rows" from "bad scope" rather
// than simply never receiving an initial sync batch.
func (h *Hub) sendListError(client *Client, scopeID, message string) {
	client.log.Warn().Str("scope_id", scopeID).Str("reason", message).Msg("Rejected member list subscription")
}

// opToModel converts a memberlist.Op into its wire representation.
func opToModel(op memberlist.Op) models.MemberListOp {
	out := models.MemberListOp{GroupKey: op.GroupKey, Index: op.Index}
	switch op.Kind {
	case memberlist.OpInsert:
		out.Kind = "insert"
	case memberlist.OpUpdate:
		out.Kind = "update"
	case memberlist.OpDelete:
		out.Kind = "delete"
	case memberlist.OpSyncGroup:
		out.Kind = "sync_group"
	}
	if op.Kind != memberlist.OpSyncGroup {
		row := entryToModel(op.Entry)
		out.Entry = &row
	} else if op.Group != nil {
		out.Group = groupToModel(*op.Group)
	}
	return out
}

func entryToModel(e memberlist.Entry) models.MemberListRow {
	return models.MemberListRow{UserID: e.UserID.String(), DisplayName: e.DisplayName, Online: e.Online}
}

func groupToModel(g memberlist.Group) *models.MemberListGroup {
	rows := make([]models.MemberListRow, len(g.Members))
	for i, m := range g.Members {
		rows[i] = entryToModel(m)
	}
	return &models.MemberListGroup{Key: g.Key, Members: rows}
}

// buildMemberListFrame serialises a batch of ops for a scope into a dispatch frame.
func buildMemberListFrame(seq int64, scopeID string, ops []memberlist.Op) ([]byte, error) {
	converted := make([]models.MemberListOp, len(ops))
	for i, op := range ops {
		converted[i] = opToModel(op)
	}
	data, err := json.Marshal(models.MemberListUpdateData{ScopeID: scopeID, Ops: converted})
	if err != nil {
		return nil, err
	}
	return NewDispatchFrame(seq, events.MemberListUpdate, data)
}
