package voice

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-server/internal/protocol/ids"
)

func TestNewPeerCloseIdempotent(t *testing.T) {
	t.Parallel()
	events := make(chan PeerEvent, 8)
	send := make(chan Message, 8)

	p, err := NewPeer(ids.NewUserID(), ids.NewCallID(), events, send, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

func TestNewPeerEmitsInitEvent(t *testing.T) {
	t.Parallel()
	events := make(chan PeerEvent, 8)
	send := make(chan Message, 8)

	userID := ids.NewUserID()
	p, err := NewPeer(userID, ids.NewCallID(), events, send, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer p.Close()

	select {
	case ev := <-events:
		if ev.Kind != PeerInit || ev.PeerID != userID {
			t.Errorf("unexpected init event: %+v", ev)
		}
	default:
		t.Fatal("expected an Init event to be emitted synchronously on construction")
	}
}
