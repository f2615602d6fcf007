package voice

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/uncord-chat/uncord-server/internal/channel"
	"github.com/uncord-chat/uncord-server/internal/protocol/ids"
)

// ChannelRepoLookup adapts a channel.Repository into a ChannelLookup, translating channel.Type into the narrower
// ChannelKind enum the call service actually branches on.
func ChannelRepoLookup(repo channel.Repository) ChannelLookup {
	return func(ctx context.Context, channelID ids.ChannelID) (ids.RoomID, ChannelKind, error) {
		ch, err := repo.GetByID(ctx, uuid.UUID(channelID))
		if err != nil {
			return ids.RoomID{}, ChannelKindOther, fmt.Errorf("lookup channel: %w", err)
		}
		return ids.RoomID(ch.RoomID), channelKindOf(ch.Type), nil
	}
}

func channelKindOf(t string) ChannelKind {
	switch t {
	case channel.TypeVoice, channel.TypeStage:
		return ChannelKindVoice
	case channel.TypeDM:
		return ChannelKindDM
	case channel.TypeGroupDM:
		return ChannelKindGroupDM
	case channel.TypeBroadcast:
		return ChannelKindBroadcast
	default:
		return ChannelKindOther
	}
}
