package search

import (
	"context"

	"github.com/google/uuid"

	"github.com/uncord-chat/uncord-server/internal/message"
)

// RepositoryMessageSource adapts message.Repository to MessageLister for channel reindexing.
type RepositoryMessageSource struct {
	Repo message.Repository
}

// ListForReindex returns a page of a channel's messages as ReindexDocs, delegating pagination to the underlying
// message repository's cursor-based List.
func (s RepositoryMessageSource) ListForReindex(ctx context.Context, channelID uuid.UUID, before *uuid.UUID, limit int) ([]ReindexDoc, error) {
	msgs, err := s.Repo.List(ctx, channelID, before, limit)
	if err != nil {
		return nil, err
	}
	docs := make([]ReindexDoc, len(msgs))
	for i, m := range msgs {
		docs[i] = ReindexDoc{
			ID:        m.ID,
			ChannelID: m.ChannelID,
			AuthorID:  m.AuthorID,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
	}
	return docs, nil
}
