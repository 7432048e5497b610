// Package callctrl turns an incoming call indication into a user decision
// and supervises the signaling session for the call's lifetime.
//
// The controller is the sole authority on retry versus terminal failure.
// Like the session it is a single-goroutine actor: commands return
// immediately and all waits are asynchronous.
package callctrl

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smartbell/doorcall/internal/callsession"
	"github.com/smartbell/doorcall/internal/metrics"
	"github.com/smartbell/doorcall/internal/negotiation"
	"github.com/smartbell/doorcall/internal/notify"
	"github.com/smartbell/doorcall/internal/signalmsg"
	"github.com/smartbell/doorcall/internal/transport"
)

type State int

const (
	StateNoCall State = iota
	StateRinging
	StateAccepted
	StateRejected
	StateInCall
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateNoCall:
		return "no_call"
	case StateRinging:
		return "ringing"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateInCall:
		return "in_call"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Status is one observable controller transition for the presentation layer.
type Status struct {
	State   State
	Detail  string
	Failure *callsession.Failure // retained on terminal failure
}

// Options configures a Controller. Channel and Factory are required.
type Options struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics

	Channel transport.Channel
	Factory negotiation.Factory

	// RingTimeout auto-rejects an unanswered call.
	RingTimeout time.Duration
	// ResetSettleDelay is the pause between engine teardown and the next
	// attempt, letting lower-layer resources release.
	ResetSettleDelay time.Duration
	// MaxResets bounds consecutive recovery attempts within one call.
	MaxResets int

	NegotiationTimeout  time.Duration
	MediaAcquireTimeout time.Duration
}

type Controller struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	ch      transport.Channel
	factory negotiation.Factory
	opts    Options

	cmds      chan func()
	done      chan struct{}
	closeOnce sync.Once
	status    chan Status

	// Owned by the dispatch goroutine.
	state       State
	call        notify.Call
	session     *callsession.Session
	resets      int
	lastFailure *callsession.Failure

	// gen distinguishes call attempts so a stale timer or session event
	// cannot touch a later call.
	gen uint64

	ringTimer   *time.Timer
	settleTimer *time.Timer
}

func New(opts Options) (*Controller, error) {
	if opts.Channel == nil || opts.Factory == nil {
		return nil, errors.New("callctrl: channel and factory are required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 10 * time.Second
	}
	if opts.ResetSettleDelay <= 0 {
		opts.ResetSettleDelay = 500 * time.Millisecond
	}
	if opts.MaxResets < 0 {
		opts.MaxResets = 0
	}

	c := &Controller{
		log:     opts.Log,
		metrics: opts.Metrics,
		ch:      opts.Channel,
		factory: opts.Factory,
		opts:    opts,
		cmds:    make(chan func(), 32),
		done:    make(chan struct{}),
		status:  make(chan Status, 16),
	}
	go c.run()
	return c, nil
}

// Status yields observable transitions. Best-effort: a slow consumer loses
// intermediate transitions.
func (c *Controller) Status() <-chan Status { return c.status }

// HandleIncomingCall rings for the given call. A call already in progress
// wins; the new indication is dropped.
func (c *Controller) HandleIncomingCall(call notify.Call) {
	c.post(func() {
		if c.state != StateNoCall && c.state != StateEnded && c.state != StateRejected {
			c.log.Warn("dropping call indication during active call", "camera", call.CameraCode)
			return
		}
		c.call = call
		c.resets = 0
		c.lastFailure = nil
		c.gen++
		c.setState(StateRinging, call.CameraCode)
		c.armRingTimer()
	})
}

// Accept answers the ringing call and starts signaling in the answerer role.
func (c *Controller) Accept() {
	c.post(func() {
		if c.state != StateRinging {
			c.log.Warn("accept ignored in state", "state", c.state)
			return
		}
		c.stopRingTimer()
		c.setState(StateAccepted, c.call.CameraCode)
		c.startSession()
	})
}

// Reject declines the ringing call. No signaling session is created; the
// peer learns of the rejection via the relayed end_call (dropped harmlessly
// if the camera is not in the room yet).
func (c *Controller) Reject() {
	c.post(func() { c.reject("rejected by user") })
}

// HangUp ends the active call.
func (c *Controller) HangUp() {
	c.post(func() {
		switch c.state {
		case StateAccepted, StateInCall:
			c.stopSettleTimer()
			if c.session != nil {
				c.session.End()
			}
			c.endCall("hung up", nil)
		case StateRinging:
			c.reject("rejected by user")
		default:
			c.log.Warn("hang up ignored in state", "state", c.state)
		}
	})
}

// Retry re-attempts the last failed call with a fresh retry budget.
func (c *Controller) Retry() {
	c.post(func() {
		if c.state != StateEnded || c.lastFailure == nil {
			c.log.Warn("retry ignored in state", "state", c.state)
			return
		}
		c.resets = 0
		c.lastFailure = nil
		c.gen++
		c.setState(StateAccepted, c.call.CameraCode)
		c.startSession()
	})
}

// Close releases the controller and any live session. The transport channel
// is left to its owner.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.post(func() {
			c.stopRingTimer()
			c.stopSettleTimer()
			if c.session != nil {
				c.session.Close()
				c.session = nil
			}
			close(c.done)
		})
	})
}

// CurrentState asks the dispatch goroutine for the live state.
func (c *Controller) CurrentState() State {
	reply := make(chan State, 1)
	c.post(func() { reply <- c.state })
	select {
	case st := <-reply:
		return st
	case <-c.done:
		return StateEnded
	}
}

// LastFailure reports the retained terminal failure, if any.
func (c *Controller) LastFailure() *callsession.Failure {
	reply := make(chan *callsession.Failure, 1)
	c.post(func() { reply <- c.lastFailure })
	select {
	case f := <-reply:
		return f
	case <-c.done:
		return nil
	}
}

func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

func (c *Controller) run() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.cmds:
			fn()
		}
	}
}

func (c *Controller) setState(state State, detail string) {
	c.state = state
	c.emit(Status{State: state, Detail: detail})
}

func (c *Controller) emit(status Status) {
	select {
	case c.status <- status:
	default:
		c.log.Warn("dropping status for slow consumer", "state", status.State)
	}
}

func (c *Controller) reject(reason string) {
	if c.state != StateRinging {
		return
	}
	c.stopRingTimer()
	_ = c.ch.Send(signalmsg.EndCall(c.call.CameraCode))
	c.setState(StateRejected, reason)
	c.setState(StateEnded, reason)
}

func (c *Controller) endCall(detail string, failure *callsession.Failure) {
	c.stopSettleTimer()
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	c.lastFailure = failure
	c.gen++
	c.emit(Status{State: StateEnded, Detail: detail, Failure: failure})
	c.state = StateEnded
}

// startSession creates the signaling session for the current call and pumps
// its state changes back onto the controller goroutine.
func (c *Controller) startSession() {
	sess, err := callsession.New(callsession.Options{
		Log:                 c.log,
		Metrics:             c.metrics,
		Channel:             c.ch,
		Factory:             c.factory,
		NegotiationTimeout:  c.opts.NegotiationTimeout,
		MediaAcquireTimeout: c.opts.MediaAcquireTimeout,
	})
	if err != nil {
		c.metrics.Inc(metrics.TerminalFailures)
		c.endCall("session setup failed", &callsession.Failure{Kind: callsession.KindNegotiation, Err: err})
		return
	}
	c.session = sess
	gen := c.gen

	go func() {
		for change := range sess.Changes() {
			change := change
			c.post(func() {
				if c.gen != gen || c.session != sess {
					return
				}
				c.handleSessionChange(change)
			})
		}
	}()

	sess.Start(c.call.CameraCode, signalmsg.RoleMobile)
}

func (c *Controller) handleSessionChange(change callsession.Change) {
	switch change.State {
	case callsession.StateActive:
		if c.state == StateAccepted {
			c.resets = 0
			c.setState(StateInCall, c.call.CameraCode)
		}
	case callsession.StateEnded:
		c.endCall(change.Detail, nil)
	case callsession.StateError:
		c.recover(change.Failure)
	}
}

// recover applies the reset policy: full session reset, settle, rejoin. Past
// the budget the failure is terminal.
func (c *Controller) recover(failure *callsession.Failure) {
	c.resets++
	if c.resets > c.opts.MaxResets {
		c.log.Error("retry budget exhausted", "resets", c.resets-1, "kind", failureKind(failure))
		c.metrics.Inc(metrics.TerminalFailures)
		c.endCall(fmt.Sprintf("failed after %d resets", c.resets-1), failure)
		return
	}

	c.log.Warn("recovering session", "attempt", c.resets, "kind", failureKind(failure))
	c.session.Reset()
	c.setState(StateAccepted, fmt.Sprintf("reconnecting (attempt %d)", c.resets))

	gen := c.gen
	sess := c.session
	c.stopSettleTimer()
	c.settleTimer = time.AfterFunc(c.opts.ResetSettleDelay, func() {
		c.post(func() {
			if c.gen != gen || c.session != sess {
				return
			}
			sess.Start(c.call.CameraCode, signalmsg.RoleMobile)
		})
	})
}

func failureKind(f *callsession.Failure) string {
	if f == nil {
		return "unknown"
	}
	return f.Kind.String()
}

func (c *Controller) armRingTimer() {
	c.stopRingTimer()
	gen := c.gen
	c.ringTimer = time.AfterFunc(c.opts.RingTimeout, func() {
		c.post(func() {
			if c.gen != gen || c.state != StateRinging {
				return
			}
			c.reject("timeout")
		})
	})
}

func (c *Controller) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *Controller) stopSettleTimer() {
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
}
