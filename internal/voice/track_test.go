package voice

import (
	"testing"

	"github.com/pion/webrtc/v3"
)

func TestTrackPhaseString(t *testing.T) {
	t.Parallel()
	cases := map[TrackPhase]string{
		TrackPending:     "pending",
		TrackNegotiating: "negotiating",
		TrackOpen:        "open",
	}
	for phase, want := range cases {
		if got := phase.String(); got != want {
			t.Errorf("TrackPhase(%d).String() = %q, want %q", phase, got, want)
		}
	}
}

func TestOutboundTrackInfo(t *testing.T) {
	t.Parallel()
	out := OutboundTrack{MediaID: "abc", Kind: webrtc.RTPCodecTypeVideo}
	info := out.info(TrackKeyScreen)
	if info.MediaID != "abc" || info.Key != TrackKeyScreen || info.Kind != "video" {
		t.Errorf("unexpected track info: %+v", info)
	}
}
