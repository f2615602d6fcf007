package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReindexJob is the payload pushed onto the queue.SearchReindex stream to request a full rebuild of one channel's
// search documents.
type ReindexJob struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

// Marshal encodes the job for queue.Queue.Push.
func (j ReindexJob) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// ReindexHandler builds a queue.Handler (func(ctx, []byte) error) that decodes a ReindexJob and runs it against
// reindexer, reading messages through source. Returned separately from Reindexer so callers can register it as a
// queue.Worker handler without this package depending on the queue package's types.
func ReindexHandler(reindexer *Reindexer, source MessageLister, logger zerolog.Logger) func(ctx context.Context, payload []byte) error {
	return func(ctx context.Context, payload []byte) error {
		var job ReindexJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("unmarshal reindex job: %w", err)
		}

		n, err := reindexer.ReindexChannel(ctx, source, job.ChannelID)
		if err != nil {
			return fmt.Errorf("reindex channel %s: %w", job.ChannelID, err)
		}

		logger.Info().Str("channel_id", job.ChannelID.String()).Int("messages", n).Msg("Channel search reindex complete")
		return nil
	}
}
