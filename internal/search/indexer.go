package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-server/internal/typesense"
)

// BulkIndexer is the subset of typesense.Indexer the batching commit loop needs. Satisfied by *typesense.Indexer.
type BulkIndexer interface {
	BulkUpsert(ctx context.Context, docs []typesense.MessageDoc) error
	DeleteByFilter(ctx context.Context, filterBy string) error
	DeleteMessage(ctx context.Context, id string) error
}

// MessageLister retrieves a page of a channel's messages, oldest-cursor style, for channel reindexing. Satisfied by
// message.Repository's List method.
type MessageLister interface {
	ListForReindex(ctx context.Context, channelID uuid.UUID, before *uuid.UUID, limit int) ([]ReindexDoc, error)
}

// ReindexDoc is the subset of a message's fields a full-channel reindex needs to rebuild its search document.
type ReindexDoc struct {
	ID        uuid.UUID
	ChannelID uuid.UUID
	AuthorID  uuid.UUID
	Content   string
	CreatedAt time.Time
}

// Indexer batches and debounces Typesense writes. Individual message create/update/delete events are cheap to
// enqueue; a background loop commits them in bulk either after CommitDebounce of inactivity or once BatchMaxSize
// pending writes accumulate, whichever comes first. This trades a small amount of search-visibility latency for far
// fewer round trips to Typesense under write bursts (e.g. a channel receiving many messages per second).
type Indexer struct {
	backend BulkIndexer
	log     zerolog.Logger

	debounce time.Duration
	maxBatch int

	mu       sync.Mutex
	pending  map[string]typesense.MessageDoc // keyed by document ID; later writes overwrite earlier ones
	deletes  map[string]struct{}
	timer    *time.Timer
	closed   bool
	flushNow chan struct{}
	done     chan struct{}
}

// NewIndexer creates a batching indexer. debounce is how long the commit loop waits after the last enqueued write
// before flushing; maxBatch forces an immediate flush once that many documents are pending, regardless of debounce.
func NewIndexer(backend BulkIndexer, debounce time.Duration, maxBatch int, logger zerolog.Logger) *Indexer {
	if maxBatch < 1 {
		maxBatch = 1
	}
	idx := &Indexer{
		backend:  backend,
		log:      logger,
		debounce: debounce,
		maxBatch: maxBatch,
		pending:  make(map[string]typesense.MessageDoc),
		deletes:  make(map[string]struct{}),
		flushNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go idx.run()
	return idx
}

// IndexMessage enqueues a new message document for the next commit.
func (idx *Indexer) IndexMessage(id, content, authorID, channelID string, createdAt int64) {
	idx.enqueueUpsert(typesense.MessageDoc{
		ID: id, Content: content, AuthorID: authorID, ChannelID: channelID, CreatedAt: createdAt,
	})
}

// UpdateMessage enqueues a content update for the next commit. Typesense upsert semantics mean this merges into
// whatever document already exists (or creates one) once flushed, so an edit racing ahead of its own create is safe.
func (idx *Indexer) UpdateMessage(id, content string) {
	idx.enqueueUpsert(typesense.MessageDoc{ID: id, Content: content})
}

// DeleteMessage enqueues a document removal for the next commit. A delete always wins over a pending upsert of the
// same ID, since the document should not reappear after its source message was removed.
func (idx *Indexer) DeleteMessage(id string) {
	idx.mu.Lock()
	delete(idx.pending, id)
	idx.deletes[id] = struct{}{}
	shouldFlush := len(idx.pending)+len(idx.deletes) >= idx.maxBatch
	idx.mu.Unlock()
	idx.kick(shouldFlush)
}

func (idx *Indexer) enqueueUpsert(doc typesense.MessageDoc) {
	idx.mu.Lock()
	delete(idx.deletes, doc.ID)
	idx.pending[doc.ID] = doc
	shouldFlush := len(idx.pending)+len(idx.deletes) >= idx.maxBatch
	idx.mu.Unlock()
	idx.kick(shouldFlush)
}

// kick resets the debounce timer, or requests an immediate flush when the batch is already full.
func (idx *Indexer) kick(immediate bool) {
	if immediate {
		select {
		case idx.flushNow <- struct{}{}:
		default:
		}
		return
	}
	select {
	case idx.flushNow <- struct{}{}:
	default:
	}
}

// run is the commit loop: it waits for an enqueue signal, then debounces further signals for idx.debounce before
// flushing, unless the pending set is already at maxBatch in which case it flushes without waiting.
func (idx *Indexer) run() {
	for {
		select {
		case <-idx.done:
			idx.flush(context.Background())
			return
		case <-idx.flushNow:
		}

		idx.mu.Lock()
		full := len(idx.pending)+len(idx.deletes) >= idx.maxBatch
		idx.mu.Unlock()

		if !full {
			timer := time.NewTimer(idx.debounce)
		debounceLoop:
			for {
				select {
				case <-idx.done:
					timer.Stop()
					idx.flush(context.Background())
					return
				case <-idx.flushNow:
					idx.mu.Lock()
					full = len(idx.pending)+len(idx.deletes) >= idx.maxBatch
					idx.mu.Unlock()
					if full {
						timer.Stop()
						break debounceLoop
					}
					if !timer.Stop() {
						<-timer.C
					}
					timer.Reset(idx.debounce)
				case <-timer.C:
					break debounceLoop
				}
			}
		}

		idx.flush(context.Background())
	}
}

func (idx *Indexer) flush(ctx context.Context) {
	idx.mu.Lock()
	if len(idx.pending) == 0 && len(idx.deletes) == 0 {
		idx.mu.Unlock()
		return
	}
	docs := make([]typesense.MessageDoc, 0, len(idx.pending))
	for _, doc := range idx.pending {
		docs = append(docs, doc)
	}
	deleteIDs := make([]string, 0, len(idx.deletes))
	for id := range idx.deletes {
		deleteIDs = append(deleteIDs, id)
	}
	idx.pending = make(map[string]typesense.MessageDoc)
	idx.deletes = make(map[string]struct{})
	idx.mu.Unlock()

	if len(docs) > 0 {
		if err := idx.backend.BulkUpsert(ctx, docs); err != nil {
			idx.log.Warn().Err(err).Int("count", len(docs)).Msg("Search index batch commit failed")
		}
	}
	for _, id := range deleteIDs {
		if err := idx.backend.DeleteMessage(ctx, id); err != nil {
			idx.log.Warn().Err(err).Str("message_id", id).Msg("Search index delete failed")
		}
	}
}

// Close stops the commit loop after flushing whatever is currently pending.
func (idx *Indexer) Close() {
	idx.mu.Lock()
	if idx.closed {
		idx.mu.Unlock()
		return
	}
	idx.closed = true
	idx.mu.Unlock()
	close(idx.done)
}

// Reindexer rebuilds a channel's search documents from scratch, for when the Typesense index has drifted from
// Postgres (a failed migration, a schema recreation, manual repair).
type Reindexer struct {
	backend BulkIndexer
	pageLen int
}

// NewReindexer creates a channel reindexer. pageLen controls how many messages are read from Postgres and imported
// into Typesense per batch.
func NewReindexer(backend BulkIndexer, pageLen int) *Reindexer {
	if pageLen < 1 {
		pageLen = 200
	}
	return &Reindexer{backend: backend, pageLen: pageLen}
}

// ReindexChannel deletes every existing Typesense document for channelID, then rebuilds them page by page from the
// source of truth. A reindex that fails partway leaves the channel with whatever pages committed before the error;
// callers should retry (e.g. via the queue's redelivery) rather than assume partial completion is final.
func (r *Reindexer) ReindexChannel(ctx context.Context, messages MessageLister, channelID uuid.UUID) (int, error) {
	if err := r.backend.DeleteByFilter(ctx, "channel_id:="+channelID.String()); err != nil {
		return 0, fmt.Errorf("clear existing documents for channel %s: %w", channelID, err)
	}

	var (
		before *uuid.UUID
		total  int
	)
	for {
		page, err := messages.ListForReindex(ctx, channelID, before, r.pageLen)
		if err != nil {
			return total, fmt.Errorf("list messages for reindex: %w", err)
		}
		if len(page) == 0 {
			return total, nil
		}

		docs := make([]typesense.MessageDoc, len(page))
		for i, m := range page {
			docs[i] = typesense.MessageDoc{
				ID:        m.ID.String(),
				Content:   m.Content,
				AuthorID:  m.AuthorID.String(),
				ChannelID: m.ChannelID.String(),
				CreatedAt: m.CreatedAt.Unix(),
			}
		}
		if err := r.backend.BulkUpsert(ctx, docs); err != nil {
			return total, fmt.Errorf("bulk upsert reindex page: %w", err)
		}
		total += len(page)

		if len(page) < r.pageLen {
			return total, nil
		}
		last := page[len(page)-1].ID
		before = &last
	}
}
