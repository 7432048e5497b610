package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/smartbell/doorcall/internal/signalmsg"
)

// Options configures the pion-backed engine factory.
type Options struct {
	Log        *slog.Logger
	ICEServers []webrtc.ICEServer

	// Media supplies local tracks for AttachLocalMedia. nil means the
	// participant is receive-only.
	Media MediaSource
}

// NewPionFactory returns a Factory producing engines backed by a fresh pion
// PeerConnection per attempt. All engines share one webrtc.API so setting
// engine configuration is applied once.
func NewPionFactory(opts Options) (Factory, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = logging.LogLevelWarn

	se := webrtc.SettingEngine{LoggerFactory: lf}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	return func() (Engine, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
		if err != nil {
			return nil, fmt.Errorf("negotiation: new peer connection: %w", err)
		}

		// Both directions carry audio; video flows camera -> mobile. Declaring
		// sendrecv transceivers up front keeps the m-lines stable across the
		// offer/answer exchange regardless of which side attaches media.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionSendrecv,
			}); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("negotiation: add %s transceiver: %w", kind, err)
			}
		}

		return &pionEngine{log: opts.Log, pc: pc, media: opts.Media}, nil
	}, nil
}

type pionEngine struct {
	log   *slog.Logger
	pc    *webrtc.PeerConnection
	media MediaSource

	mu            sync.Mutex
	mediaAcquired bool

	closeOnce sync.Once
}

func (e *pionEngine) CreateOffer(ctx context.Context) (signalmsg.SDP, error) {
	if err := ctx.Err(); err != nil {
		return signalmsg.SDP{}, err
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return signalmsg.SDP{}, fmt.Errorf("negotiation: create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return signalmsg.SDP{}, fmt.Errorf("negotiation: set local offer: %w", err)
	}
	return signalmsg.SDPFromPion(offer), nil
}

func (e *pionEngine) CreateAnswer(ctx context.Context) (signalmsg.SDP, error) {
	if err := ctx.Err(); err != nil {
		return signalmsg.SDP{}, err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return signalmsg.SDP{}, fmt.Errorf("negotiation: create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return signalmsg.SDP{}, fmt.Errorf("negotiation: set local answer: %w", err)
	}
	return signalmsg.SDPFromPion(answer), nil
}

func (e *pionEngine) SetRemoteDescription(desc signalmsg.SDP) error {
	pionDesc, err := desc.ToPion()
	if err != nil {
		return err
	}
	if err := e.pc.SetRemoteDescription(pionDesc); err != nil {
		return fmt.Errorf("negotiation: set remote description: %w", err)
	}
	return nil
}

func (e *pionEngine) AddCandidate(cand signalmsg.Candidate) error {
	if err := e.pc.AddICECandidate(cand.ToPion()); err != nil {
		return fmt.Errorf("negotiation: add candidate: %w", err)
	}
	return nil
}

func (e *pionEngine) AttachLocalMedia(ctx context.Context) error {
	if e.media == nil {
		return nil
	}

	e.mu.Lock()
	if e.mediaAcquired {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	tracks, err := e.media.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("negotiation: acquire media: %w", err)
	}

	for _, track := range tracks {
		if _, err := e.pc.AddTrack(track); err != nil {
			e.media.Release()
			return fmt.Errorf("negotiation: add track: %w", err)
		}
	}

	e.mu.Lock()
	e.mediaAcquired = true
	e.mu.Unlock()
	return nil
}

func (e *pionEngine) OnLocalCandidate(fn func(signalmsg.Candidate)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End of gathering.
			return
		}
		fn(signalmsg.CandidateFromPion(c.ToJSON()))
	})
}

func (e *pionEngine) OnStateChange(fn func(State)) {
	e.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnecting:
			fn(StateConnecting)
		case webrtc.PeerConnectionStateConnected:
			fn(StateConnected)
		case webrtc.PeerConnectionStateFailed:
			fn(StateFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(StateClosed)
		}
	})
}

func (e *pionEngine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		acquired := e.mediaAcquired
		e.mediaAcquired = false
		e.mu.Unlock()
		if acquired && e.media != nil {
			e.media.Release()
		}
		err = e.pc.Close()
	})
	return err
}
