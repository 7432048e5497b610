// Package callsession implements the per-call client state machine.
//
// A Session owns one negotiation attempt at a time: it joins the room,
// exchanges descriptions and candidates with the peer through the transport
// channel, and drives the negotiation engine. All state lives on a single
// dispatch goroutine; public methods and engine callbacks post onto its
// mailbox, so no lock protects session state.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartbell/doorcall/internal/metrics"
	"github.com/smartbell/doorcall/internal/negotiation"
	"github.com/smartbell/doorcall/internal/signalmsg"
	"github.com/smartbell/doorcall/internal/transport"
)

type State int

const (
	StateIdle State = iota
	StateJoining
	StateNegotiating
	StateActive
	StateEnded
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Change is one observable state transition.
type Change struct {
	State   State
	Detail  string
	Failure *Failure // set when State is StateError
}

// Options configures a Session. Channel and Factory are required.
type Options struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics

	Channel transport.Channel
	Factory negotiation.Factory

	// Offerer sessions create the offer on peer_available; otherwise the
	// session answers the peer's offer.
	Offerer bool

	// NegotiationTimeout bounds the wait for the remote description.
	NegotiationTimeout time.Duration
	// MediaAcquireTimeout bounds local media attachment; past it the
	// description is sent without outbound media.
	MediaAcquireTimeout time.Duration
}

type pendingCandidate struct {
	sessionID string
	cand      signalmsg.Candidate
}

type Session struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	ch      transport.Channel
	factory negotiation.Factory
	offerer bool

	negotiationTimeout  time.Duration
	mediaAcquireTimeout time.Duration

	cmds      chan func()
	done      chan struct{}
	closeOnce sync.Once
	changes   chan Change

	// Everything below is owned by the dispatch goroutine.
	state   State
	room    string
	role    signalmsg.Role
	id      string
	epoch   uint64
	ready   bool
	engine  negotiation.Engine
	pending []pendingCandidate

	negotiationTimer *time.Timer
}

func New(opts Options) (*Session, error) {
	if opts.Channel == nil || opts.Factory == nil {
		return nil, errors.New("callsession: channel and factory are required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = 15 * time.Second
	}
	if opts.MediaAcquireTimeout <= 0 {
		opts.MediaAcquireTimeout = 4 * time.Second
	}

	s := &Session{
		log:                 opts.Log,
		metrics:             opts.Metrics,
		ch:                  opts.Channel,
		factory:             opts.Factory,
		offerer:             opts.Offerer,
		negotiationTimeout:  opts.NegotiationTimeout,
		mediaAcquireTimeout: opts.MediaAcquireTimeout,
		cmds:                make(chan func(), 32),
		done:                make(chan struct{}),
		changes:             make(chan Change, 16),
	}
	go s.run()
	return s, nil
}

// Changes yields observable state transitions. The stream is best-effort: a
// slow consumer loses intermediate transitions, never the goroutine.
func (s *Session) Changes() <-chan Change { return s.changes }

// Start joins the room and begins a negotiation attempt. It never blocks on
// network activity.
func (s *Session) Start(room string, role signalmsg.Role) {
	s.post(func() {
		if s.state != StateIdle {
			s.log.Warn("start ignored in state", "state", s.state)
			return
		}
		s.room, s.role = room, role
		if err := s.ch.Send(signalmsg.JoinRoom(room, role)); err != nil {
			s.fail(transportFailure(err))
			return
		}
		s.setState(StateJoining, "joined room "+room)
		s.armNegotiationTimer()
	})
}

// End hangs up: notifies the peer and tears the session down. The transport
// channel stays open for a subsequent session.
func (s *Session) End() {
	s.post(func() {
		if s.state == StateEnded {
			return
		}
		if s.room != "" {
			_ = s.ch.Send(signalmsg.EndCall(s.room))
		}
		s.end("local hangup")
	})
}

// Reset returns the session to Idle with its postconditions guaranteed:
// engine closed and media released, buffered candidates cleared, ready flag
// down, in-flight waits invalidated. Safe to call in any state, any number
// of times.
func (s *Session) Reset() {
	s.post(func() {
		s.teardownEngine()
		s.stopNegotiationTimer()
		s.pending = nil
		s.id = ""
		s.room = ""
		s.metrics.Inc(metrics.SessionResets)
		s.setState(StateIdle, "reset")
	})
}

// Close stops the dispatch goroutine after releasing the engine. The
// transport channel is not closed; its owner decides that.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.post(func() {
			s.teardownEngine()
			s.stopNegotiationTimer()
			close(s.done)
			// All emits happen on this goroutine, so closing here cannot race
			// a send. Consumers ranging over Changes observe the end.
			close(s.changes)
		})
	})
}

// CurrentState asks the dispatch goroutine for the live state.
func (s *Session) CurrentState() State {
	reply := make(chan State, 1)
	s.post(func() { reply <- s.state })
	select {
	case st := <-reply:
		return st
	case <-s.done:
		return StateEnded
	}
}

func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

func (s *Session) run() {
	incoming := s.ch.Incoming()
	chDone := s.ch.Done()

	for {
		select {
		case <-s.done:
			return
		case fn := <-s.cmds:
			fn()
		case msg, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			s.handleMessage(msg)
		case <-chDone:
			chDone = nil
			s.fail(transportFailure(s.ch.Err()))
		}
	}
}

func (s *Session) setState(state State, detail string) {
	s.state = state
	s.emit(Change{State: state, Detail: detail})
}

func (s *Session) emit(change Change) {
	select {
	case s.changes <- change:
	default:
		s.log.Warn("dropping state change for slow consumer", "state", change.State)
	}
}

func (s *Session) fail(f *Failure) {
	if s.state == StateEnded || s.state == StateError {
		return
	}
	s.log.Warn("session failed", "kind", f.Kind, "err", f.Err)
	s.teardownEngine()
	s.stopNegotiationTimer()
	s.state = StateError
	s.emit(Change{State: StateError, Failure: f})
}

func (s *Session) end(detail string) {
	s.teardownEngine()
	s.stopNegotiationTimer()
	s.pending = nil
	s.setState(StateEnded, detail)
}

// teardownEngine closes the current engine and invalidates every in-flight
// callback and wait by bumping the epoch. At most one engine is ever live.
func (s *Session) teardownEngine() {
	s.epoch++
	s.ready = false
	if s.engine != nil {
		_ = s.engine.Close()
		s.engine = nil
	}
}

func (s *Session) handleMessage(msg signalmsg.Message) {
	switch msg.Type {
	case signalmsg.TypePeerAvailable:
		if s.offerer && s.state == StateJoining {
			s.startOffer()
		}
	case signalmsg.TypeOffer:
		if s.offerer {
			s.log.Debug("offerer ignoring offer")
			return
		}
		s.handleOffer(msg)
	case signalmsg.TypeAnswer:
		s.handleAnswer(msg)
	case signalmsg.TypeICECandidate:
		s.handleCandidate(msg)
	case signalmsg.TypeEndCall:
		if s.state != StateEnded {
			s.end("peer ended call")
		}
	case signalmsg.TypePeerLeft:
		if s.state != StateEnded {
			s.end("peer left")
		}
	case signalmsg.TypeError:
		s.fail(transportFailure(fmt.Errorf("relay error %s: %s", msg.Code, msg.Message)))
	default:
		s.log.Debug("ignoring message", "type", msg.Type)
	}
}

// startOffer begins the offerer path: fresh engine, local media, offer out,
// then wait for the answer.
func (s *Session) startOffer() {
	s.teardownEngine()

	eng, err := s.factory()
	if err != nil {
		s.fail(negotiationFailure(err))
		return
	}
	s.engine = eng
	s.id = uuid.NewString()
	s.registerCallbacks(eng, s.epoch)
	s.setState(StateNegotiating, "sending offer")
	// The attempt has a new epoch, so the timer armed at Start is dead;
	// re-arm it to bound the wait for the answer.
	s.armNegotiationTimer()

	epoch := s.epoch
	room, id := s.room, s.id
	go func() {
		s.attachMedia(eng, epoch)

		offer, err := eng.CreateOffer(context.Background())
		s.post(func() {
			if s.epoch != epoch {
				return
			}
			if err != nil {
				s.fail(negotiationFailure(err))
				return
			}
			if err := s.ch.Send(signalmsg.Offer(room, id, offer)); err != nil {
				s.fail(transportFailure(err))
			}
		})
	}()
}

// handleOffer runs the answerer path in its required order: fresh engine,
// accept remote description, attach local media (bounded), answer.
func (s *Session) handleOffer(msg signalmsg.Message) {
	if s.state != StateJoining && s.state != StateNegotiating {
		s.log.Debug("dropping offer in state", "state", s.state)
		return
	}
	if msg.SessionID != "" && msg.SessionID == s.id {
		s.log.Debug("dropping duplicate offer", "sessionId", msg.SessionID)
		return
	}

	// Engines are single-shot: a new offer always gets a fresh one.
	s.teardownEngine()
	eng, err := s.factory()
	if err != nil {
		s.fail(negotiationFailure(err))
		return
	}
	s.engine = eng
	s.id = msg.SessionID
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.registerCallbacks(eng, s.epoch)

	if err := eng.SetRemoteDescription(*msg.SDP); err != nil {
		s.fail(negotiationFailure(err))
		return
	}
	if s.state == StateJoining {
		s.setState(StateNegotiating, "answering offer")
	}
	s.stopNegotiationTimer()
	s.ready = true
	s.flushPending(eng)

	epoch := s.epoch
	room, id := s.room, s.id
	go func() {
		s.attachMedia(eng, epoch)

		answer, err := eng.CreateAnswer(context.Background())
		s.post(func() {
			if s.epoch != epoch {
				return
			}
			if err != nil {
				s.fail(negotiationFailure(err))
				return
			}
			if err := s.ch.Send(signalmsg.Answer(room, id, answer)); err != nil {
				s.fail(transportFailure(err))
			}
		})
	}()
}

func (s *Session) handleAnswer(msg signalmsg.Message) {
	if !s.offerer || s.state != StateNegotiating {
		s.log.Debug("dropping answer in state", "state", s.state)
		return
	}
	if msg.SessionID != s.id {
		s.log.Debug("dropping stale answer", "sessionId", msg.SessionID, "current", s.id)
		return
	}
	if s.ready {
		s.log.Debug("dropping duplicate answer")
		return
	}

	if err := s.engine.SetRemoteDescription(*msg.SDP); err != nil {
		s.fail(negotiationFailure(err))
		return
	}
	s.stopNegotiationTimer()
	s.ready = true
	s.flushPending(s.engine)
}

// handleCandidate applies a remote candidate when ready, otherwise buffers
// it. Sending local candidates is never gated; only application is.
func (s *Session) handleCandidate(msg signalmsg.Message) {
	if s.state == StateEnded || s.state == StateError || s.state == StateIdle {
		return
	}
	if msg.SessionID != "" && s.id != "" && msg.SessionID != s.id {
		s.log.Debug("dropping stale candidate", "sessionId", msg.SessionID, "current", s.id)
		return
	}

	if !s.ready {
		s.pending = append(s.pending, pendingCandidate{sessionID: msg.SessionID, cand: *msg.Candidate})
		return
	}
	if err := s.engine.AddCandidate(*msg.Candidate); err != nil {
		// A bad candidate degrades connectivity options, it does not kill the
		// attempt.
		s.log.Warn("applying candidate", "err", err)
	}
}

// flushPending applies buffered candidates in arrival order, discarding any
// tagged with a superseded attempt.
func (s *Session) flushPending(eng negotiation.Engine) {
	if len(s.pending) == 0 {
		return
	}
	for _, p := range s.pending {
		if p.sessionID != "" && p.sessionID != s.id {
			s.log.Debug("discarding stale buffered candidate", "sessionId", p.sessionID)
			continue
		}
		if err := eng.AddCandidate(p.cand); err != nil {
			s.log.Warn("applying buffered candidate", "err", err)
		}
	}
	s.pending = nil
	s.metrics.Inc(metrics.BufferedCandidateFlushes)
}

// attachMedia attaches local media with a bounded wait. A timeout means the
// call proceeds without outbound media; a hard failure is retried once and
// then surfaced as a resource failure.
func (s *Session) attachMedia(eng negotiation.Engine, epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.mediaAcquireTimeout)
	defer cancel()

	err := eng.AttachLocalMedia(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("media acquisition timed out; continuing without outbound media")
		return
	}

	retryCtx, retryCancel := context.WithTimeout(context.Background(), s.mediaAcquireTimeout)
	defer retryCancel()
	if retryErr := eng.AttachLocalMedia(retryCtx); retryErr != nil {
		s.post(func() {
			if s.epoch != epoch {
				return
			}
			s.fail(resourceFailure(retryErr))
		})
	}
}

func (s *Session) registerCallbacks(eng negotiation.Engine, epoch uint64) {
	eng.OnLocalCandidate(func(cand signalmsg.Candidate) {
		s.post(func() {
			if s.epoch != epoch {
				return
			}
			if err := s.ch.Send(signalmsg.ICECandidate(s.room, s.id, cand)); err != nil {
				s.log.Warn("sending local candidate", "err", err)
			}
		})
	})

	eng.OnStateChange(func(state negotiation.State) {
		s.post(func() {
			if s.epoch != epoch {
				return
			}
			switch state {
			case negotiation.StateConnected:
				if s.state == StateNegotiating {
					s.stopNegotiationTimer()
					s.setState(StateActive, "media connected")
				}
			case negotiation.StateFailed:
				s.fail(negotiationFailure(errors.New("media transport failed")))
			case negotiation.StateClosed:
				if s.state == StateNegotiating || s.state == StateActive {
					s.fail(negotiationFailure(errors.New("media transport closed")))
				}
			}
		})
	})
}

func (s *Session) armNegotiationTimer() {
	s.stopNegotiationTimer()
	epoch := s.epoch
	s.negotiationTimer = time.AfterFunc(s.negotiationTimeout, func() {
		s.post(func() {
			if s.epoch != epoch || s.ready {
				return
			}
			s.fail(timeoutFailure(errors.New("timed out waiting for remote description")))
		})
	})
}

func (s *Session) stopNegotiationTimer() {
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
		s.negotiationTimer = nil
	}
}
