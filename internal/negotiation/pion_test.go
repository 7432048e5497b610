package negotiation

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func testFactory(t *testing.T, media MediaSource) Factory {
	t.Helper()
	f, err := NewPionFactory(Options{
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Media: media,
	})
	if err != nil {
		t.Fatalf("NewPionFactory: %v", err)
	}
	return f
}

func TestPionEngine_OfferAnswerExchange(t *testing.T) {
	factory := testFactory(t, nil)

	offerer, err := factory()
	if err != nil {
		t.Fatalf("offerer: %v", err)
	}
	defer offerer.Close()
	answerer, err := factory()
	if err != nil {
		t.Fatalf("answerer: %v", err)
	}
	defer answerer.Close()

	ctx := context.Background()
	offer, err := offerer.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != "offer" || offer.SDP == "" {
		t.Fatalf("offer=%+v", offer)
	}

	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription(offer): %v", err)
	}
	answer, err := answerer.CreateAnswer(ctx)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if answer.Type != "answer" || answer.SDP == "" {
		t.Fatalf("answer=%+v", answer)
	}

	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription(answer): %v", err)
	}
}

func TestPionEngine_CreateAnswerRequiresRemote(t *testing.T) {
	factory := testFactory(t, nil)
	engine, err := factory()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer engine.Close()

	if _, err := engine.CreateAnswer(context.Background()); err == nil {
		t.Fatalf("CreateAnswer succeeded without a remote offer")
	}
}

func TestPionEngine_AttachLocalMedia(t *testing.T) {
	factory := testFactory(t, NewStaticSource())
	engine, err := factory()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer engine.Close()

	if err := engine.AttachLocalMedia(context.Background()); err != nil {
		t.Fatalf("AttachLocalMedia: %v", err)
	}
	// Second attach is a no-op.
	if err := engine.AttachLocalMedia(context.Background()); err != nil {
		t.Fatalf("second AttachLocalMedia: %v", err)
	}

	if _, err := engine.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer with media: %v", err)
	}
}

func TestPionEngine_CloseIdempotent(t *testing.T) {
	factory := testFactory(t, NewStaticSource())
	engine, err := factory()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestStaticSource_HonorsContext(t *testing.T) {
	src := NewStaticSource()

	tracks, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(tracks) != 2 {
		t.Fatalf("tracks=%d, want 2 (audio+video)", len(tracks))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Acquire(ctx); err == nil {
		t.Fatalf("Acquire ignored canceled context")
	}
	src.Release()
}
