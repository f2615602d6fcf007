package media

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uncord-chat/uncord-server/internal/protocol/ids"
)

// pendingUpload tracks an in-flight Transferring-state media object: the declared intent plus a scratch file on
// local disk that accumulates bytes as the client PATCHes them in (or as Service.fetchDownload streams them).
// Mirrors the original_source `MediaUpload`/`uploads: DashMap<MediaId, MediaUpload>` shape referenced in spec §5's
// "uploads table ... is a concurrent map keyed by media id; per-entry mutation is exclusive via the map's entry
// guard" — mu is that per-entry guard.
type pendingUpload struct {
	mu sync.Mutex

	id           ids.MediaID
	uploaderID   uuid.UUID
	filename     string
	alt          string
	contentType  string
	declaredSize int64
	scratchPath  string
	createdAt    time.Time
}

// currentSize stats the scratch file to find how many bytes have been written so far, which is also the next
// expected upload-offset.
func (u *pendingUpload) currentSize() (int64, error) {
	info, err := os.Stat(u.scratchPath)
	if err != nil {
		return 0, fmt.Errorf("stat scratch file: %w", err)
	}
	return info.Size(), nil
}

// uploadRegistry is the concurrent map of in-flight uploads, keyed by media id.
type uploadRegistry struct {
	mu    sync.Mutex
	items map[ids.MediaID]*pendingUpload
}

func newUploadRegistry() *uploadRegistry {
	return &uploadRegistry{items: make(map[ids.MediaID]*pendingUpload)}
}

func (r *uploadRegistry) store(u *pendingUpload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[u.id] = u
}

func (r *uploadRegistry) get(id ids.MediaID) (*pendingUpload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.items[id]
	return u, ok
}

func (r *uploadRegistry) delete(id ids.MediaID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
}
