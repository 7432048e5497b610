package callctrl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smartbell/doorcall/internal/callsession"
	"github.com/smartbell/doorcall/internal/negotiation"
	"github.com/smartbell/doorcall/internal/notify"
	"github.com/smartbell/doorcall/internal/signalmsg"
)

type fakeChannel struct {
	mu      sync.Mutex
	sent    []signalmsg.Message
	sendErr error
	err     error

	incoming chan signalmsg.Message
	done     chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		incoming: make(chan signalmsg.Message, 32),
		done:     make(chan struct{}),
	}
}

func (c *fakeChannel) Send(msg signalmsg.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Incoming() <-chan signalmsg.Message { return c.incoming }
func (c *fakeChannel) Done() <-chan struct{}              { return c.done }

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) disconnect(err error) {
	c.mu.Lock()
	c.err = err
	c.sendErr = err
	c.mu.Unlock()
	close(c.done)
}

func (c *fakeChannel) countType(t signalmsg.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.sent {
		if m.Type == t {
			n++
		}
	}
	return n
}

type fakeEngine struct {
	mu      sync.Mutex
	closed  bool
	onState func(negotiation.State)
}

func (e *fakeEngine) CreateOffer(ctx context.Context) (signalmsg.SDP, error) {
	return signalmsg.SDP{Type: "offer", SDP: "v=0"}, nil
}

func (e *fakeEngine) CreateAnswer(ctx context.Context) (signalmsg.SDP, error) {
	return signalmsg.SDP{Type: "answer", SDP: "v=0"}, nil
}

func (e *fakeEngine) SetRemoteDescription(signalmsg.SDP) error   { return nil }
func (e *fakeEngine) AddCandidate(signalmsg.Candidate) error     { return nil }
func (e *fakeEngine) AttachLocalMedia(context.Context) error     { return nil }
func (e *fakeEngine) OnLocalCandidate(func(signalmsg.Candidate)) {}

func (e *fakeEngine) OnStateChange(fn func(negotiation.State)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) fireState(state negotiation.State) {
	e.mu.Lock()
	fn := e.onState
	e.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

type fakeFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
}

func (f *fakeFactory) new() (negotiation.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeFactory) engineCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *fakeFactory) engine(i int) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[i]
}

// statusLog collects the controller's status stream.
type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) watch(c *Controller) {
	go func() {
		for st := range c.Status() {
			l.mu.Lock()
			l.statuses = append(l.statuses, st)
			l.mu.Unlock()
		}
	}()
}

func (l *statusLog) has(state State, detail string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, st := range l.statuses {
		if st.State == state && (detail == "" || st.Detail == detail) {
			return true
		}
	}
	return false
}

func newTestController(t *testing.T, ch *fakeChannel, factory *fakeFactory, opts Options) (*Controller, *statusLog) {
	t.Helper()
	opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Channel = ch
	opts.Factory = factory.new
	if opts.RingTimeout == 0 {
		opts.RingTimeout = 3 * time.Second
	}
	if opts.ResetSettleDelay == 0 {
		opts.ResetSettleDelay = 10 * time.Millisecond
	}
	if opts.MaxResets == 0 {
		opts.MaxResets = 3
	}

	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)

	log := &statusLog{}
	log.watch(c)
	return c, log
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testCall() notify.Call {
	return notify.Call{Type: "call", CameraCode: "cam123", Title: "Front door"}
}

func TestRingTimeoutAutoRejects(t *testing.T) {
	// No user action within the ring window: the call is rejected with
	// reason timeout and no signaling session is ever created.
	ch := newFakeChannel()
	factory := &fakeFactory{}
	c, log := newTestController(t, ch, factory, Options{RingTimeout: 50 * time.Millisecond})

	c.HandleIncomingCall(testCall())
	waitFor(t, func() bool { return c.CurrentState() == StateEnded }, "ended")

	if !log.has(StateRejected, "timeout") {
		t.Fatalf("no rejected(timeout) status observed")
	}
	if factory.engineCount() != 0 {
		t.Fatalf("engines=%d, want 0 (no session on timeout)", factory.engineCount())
	}
	if ch.countType(signalmsg.TypeJoinRoom) != 0 {
		t.Fatalf("join_room sent for a rejected call")
	}
}

func TestRejectEndsWithoutSession(t *testing.T) {
	ch := newFakeChannel()
	factory := &fakeFactory{}
	c, log := newTestController(t, ch, factory, Options{})

	c.HandleIncomingCall(testCall())
	waitFor(t, func() bool { return c.CurrentState() == StateRinging }, "ringing")
	c.Reject()
	waitFor(t, func() bool { return c.CurrentState() == StateEnded }, "ended")

	if !log.has(StateRejected, "rejected by user") {
		t.Fatalf("no rejected status observed")
	}
	if factory.engineCount() != 0 {
		t.Fatalf("session created on reject")
	}
	if ch.countType(signalmsg.TypeEndCall) != 1 {
		t.Fatalf("reject signal not sent")
	}
}

func TestAcceptThroughToInCall(t *testing.T) {
	ch := newFakeChannel()
	factory := &fakeFactory{}
	c, log := newTestController(t, ch, factory, Options{})

	c.HandleIncomingCall(testCall())
	waitFor(t, func() bool { return c.CurrentState() == StateRinging }, "ringing")
	c.Accept()
	waitFor(t, func() bool { return ch.countType(signalmsg.TypeJoinRoom) == 1 }, "join sent")

	ch.incoming <- signalmsg.Offer("cam123", "s1", signalmsg.SDP{Type: "offer", SDP: "v=0"})
	waitFor(t, func() bool { return ch.countType(signalmsg.TypeAnswer) == 1 }, "answer sent")
	waitFor(t, func() bool { return factory.engineCount() == 1 }, "engine created")

	factory.engine(0).fireState(negotiation.StateConnected)
	waitFor(t, func() bool { return c.CurrentState() == StateInCall }, "in call")

	if !log.has(StateAccepted, "") || !log.has(StateInCall, "") {
		t.Fatalf("accepted/in_call transitions not observed")
	}
}

func TestHangUpEndsCall(t *testing.T) {
	ch := newFakeChannel()
	factory := &fakeFactory{}
	c, _ := newTestController(t, ch, factory, Options{})

	c.HandleIncomingCall(testCall())
	waitFor(t, func() bool { return c.CurrentState() == StateRinging }, "ringing")
	c.Accept()
	waitFor(t, func() bool { return ch.countType(signalmsg.TypeJoinRoom) == 1 }, "join sent")

	c.HangUp()
	waitFor(t, func() bool { return c.CurrentState() == StateEnded }, "ended")
	if ch.countType(signalmsg.TypeEndCall) != 1 {
		t.Fatalf("end_call not sent on hang up")
	}
}

func TestPeerLeftEndsCall(t *testing.T) {
	ch := newFakeChannel()
	factory := &fakeFactory{}
	c, _ := newTestController(t, ch, factory, Options{})

	c.HandleIncomingCall(testCall())
	waitFor(t, func() bool { return c.CurrentState() == StateRinging }, "ringing")
	c.Accept()
	waitFor(t, func() bool { return ch.countType(signalmsg.TypeJoinRoom) == 1 }, "join sent")

	ch.incoming <- signalmsg.PeerLeft("cam123", signalmsg.RoleCamera)
	waitFor(t, func() bool { return c.CurrentState() == StateEnded }, "ended")
	if f := c.LastFailure(); f != nil {
		t.Fatalf("peer leaving is not a failure, got %v", f)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	// Transport dies mid-call. The controller resets and retries exactly
	// MaxResets times, then surfaces a terminal failure. Never a 4th reset.
	ch := newFakeChannel()
	factory := &fakeFactory{}
	c, log := newTestController(t, ch, factory, Options{
		MaxResets:        3,
		ResetSettleDelay: 5 * time.Millisecond,
	})

	c.HandleIncomingCall(testCall())
	waitFor(t, func() bool { return c.CurrentState() == StateRinging }, "ringing")
	c.Accept()
	waitFor(t, func() bool { return ch.countType(signalmsg.TypeJoinRoom) == 1 }, "join sent")

	// Every subsequent join attempt fails at Send.
	ch.disconnect(errors.New("connection reset"))
	waitFor(t, func() bool { return c.CurrentState() == StateEnded }, "terminal failure")

	failure := c.LastFailure()
	if failure == nil || failure.Kind != callsession.KindTransport {
		t.Fatalf("failure=%v, want retained transport failure", failure)
	}
	for i := 1; i <= 3; i++ {
		if !log.has(StateAccepted, "reconnecting (attempt "+string(rune('0'+i))+")") {
			t.Fatalf("reset attempt %d not observed", i)
		}
	}
	if log.has(StateAccepted, "reconnecting (attempt 4)") {
		t.Fatalf("a 4th reset was attempted")
	}
}

func TestRetryAfterTerminalFailure(t *testing.T) {
	ch := newFakeChannel()
	factory := &fakeFactory{}
	c, _ := newTestController(t, ch, factory, Options{
		MaxResets:        1,
		ResetSettleDelay: 5 * time.Millisecond,
	})

	c.HandleIncomingCall(testCall())
	waitFor(t, func() bool { return c.CurrentState() == StateRinging }, "ringing")
	c.Accept()
	waitFor(t, func() bool { return ch.countType(signalmsg.TypeJoinRoom) == 1 }, "join sent")

	ch.disconnect(errors.New("connection reset"))
	waitFor(t, func() bool { return c.CurrentState() == StateEnded }, "terminal failure")
	if c.LastFailure() == nil {
		t.Fatalf("no failure retained")
	}

	// Manual retry gets a fresh budget and a fresh session.
	ch.mu.Lock()
	ch.sendErr = nil
	ch.mu.Unlock()
	c.Retry()
	waitFor(t, func() bool { return ch.countType(signalmsg.TypeJoinRoom) == 2 }, "rejoin sent")
	if c.CurrentState() != StateAccepted {
		t.Fatalf("state=%v after retry, want accepted", c.CurrentState())
	}
}
