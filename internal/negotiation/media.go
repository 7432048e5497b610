package negotiation

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MediaSource acquires the local tracks to publish into a call.
//
// Acquire may be slow (device wakeup, camera pipeline start); callers bound
// it with a context. Release must be safe to call multiple times and after a
// failed Acquire.
type MediaSource interface {
	Acquire(ctx context.Context) ([]webrtc.TrackLocal, error)
	Release()
}

// StaticSource provides placeholder audio and video tracks for environments
// without a capture pipeline (the CLI, tests). The tracks carry no frames.
type StaticSource struct{}

func NewStaticSource() *StaticSource { return &StaticSource{} }

func (s *StaticSource) Acquire(ctx context.Context) ([]webrtc.TrackLocal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "doorcall")
	if err != nil {
		return nil, fmt.Errorf("negotiation: create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "doorcall")
	if err != nil {
		return nil, fmt.Errorf("negotiation: create video track: %w", err)
	}
	return []webrtc.TrackLocal{audio, video}, nil
}

func (s *StaticSource) Release() {}
