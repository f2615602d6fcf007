package typesense

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Indexer performs document-level CRUD operations against a Typesense messages collection.
type Indexer struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewIndexer creates a new Typesense document indexer.
func NewIndexer(baseURL, apiKey string, timeout time.Duration) *Indexer {
	return &Indexer{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// MessageDoc is the JSON structure indexed in Typesense for one message.
type MessageDoc struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	AuthorID  string `json:"author_id"`
	ChannelID string `json:"channel_id"`
	CreatedAt int64  `json:"created_at"`
}

// messageDoc is an alias kept for the single-document helpers below.
type messageDoc = MessageDoc

// IndexMessage adds a message document to the Typesense messages collection. A 5xx response is retried once before
// the error is returned.
func (idx *Indexer) IndexMessage(ctx context.Context, id, content, authorID, channelID string, createdAt int64) error {
	doc := messageDoc{
		ID:        id,
		Content:   content,
		AuthorID:  authorID,
		ChannelID: channelID,
		CreatedAt: createdAt,
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal message doc: %w", err)
	}

	var resp *http.Response
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			idx.baseURL+"/collections/"+messagesCollection+"/documents", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build index request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-TYPESENSE-API-KEY", idx.apiKey)

		resp, err = idx.client.Do(req)
		if err != nil {
			return fmt.Errorf("index request failed: %w", err)
		}
		if resp.StatusCode < 500 || attempt == 1 {
			break
		}
		_ = resp.Body.Close()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("typesense returned status %d on index: %s", resp.StatusCode, detail)
	}

	return nil
}

// UpdateMessage upserts a message document in the Typesense messages collection, updating its content.
func (idx *Indexer) UpdateMessage(ctx context.Context, id, content string) error {
	doc := struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}{ID: id, Content: content}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal update doc: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		idx.baseURL+"/collections/"+messagesCollection+"/documents?action=upsert", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TYPESENSE-API-KEY", idx.apiKey)

	resp, err := idx.client.Do(req)
	if err != nil {
		return fmt.Errorf("upsert request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("typesense returned status %d on upsert: %s", resp.StatusCode, detail)
	}

	return nil
}

// BulkUpsert upserts a batch of message documents in a single request, using Typesense's JSONL import endpoint. It is
// used by the search indexer's debounced commit batching and by channel reindexing, both of which accumulate many
// documents before writing so a single-document round trip per message would be wasteful.
func (idx *Indexer) BulkUpsert(ctx context.Context, docs []MessageDoc) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode bulk doc %s: %w", doc.ID, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		idx.baseURL+"/collections/"+messagesCollection+"/documents/import?action=upsert", &buf)
	if err != nil {
		return fmt.Errorf("build bulk upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-TYPESENSE-API-KEY", idx.apiKey)

	resp, err := idx.client.Do(req)
	if err != nil {
		return fmt.Errorf("bulk upsert request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("typesense returned status %d on bulk upsert: %s", resp.StatusCode, detail)
	}

	// The import endpoint reports per-document failures with HTTP 200; scan the JSONL response for any "success":false
	// entry so a partial failure doesn't look like a clean commit.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read bulk upsert response: %w", err)
	}
	for _, line := range bytes.Split(body, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var result struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(line, &result); err != nil {
			continue
		}
		if !result.Success {
			return fmt.Errorf("typesense rejected a document during bulk upsert: %s", result.Error)
		}
	}

	return nil
}

// DeleteByFilter removes every document matching filterBy (a Typesense filter_by expression, e.g.
// "channel_id:=<uuid>"), used to clear a channel's documents before a reindex rebuild.
func (idx *Indexer) DeleteByFilter(ctx context.Context, filterBy string) error {
	qv := url.Values{}
	qv.Set("filter_by", filterBy)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		idx.baseURL+"/collections/"+messagesCollection+"/documents?"+qv.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build delete-by-filter request: %w", err)
	}
	req.Header.Set("X-TYPESENSE-API-KEY", idx.apiKey)

	resp, err := idx.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete-by-filter request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("typesense returned status %d on delete-by-filter: %s", resp.StatusCode, detail)
	}

	return nil
}

// DeleteMessage removes a message document from the Typesense messages collection.
func (idx *Indexer) DeleteMessage(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		idx.baseURL+"/collections/"+messagesCollection+"/documents/"+id, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	req.Header.Set("X-TYPESENSE-API-KEY", idx.apiKey)

	resp, err := idx.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 404 is acceptable when the document was never indexed or was already removed.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("typesense returned status %d on delete: %s", resp.StatusCode, detail)
	}

	return nil
}
