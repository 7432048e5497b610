// Package negotiation abstracts one WebRTC negotiation attempt.
//
// The call session drives an Engine through its lifecycle and never touches
// pion directly; tests substitute a scripted engine. Each Engine instance
// covers exactly one attempt: a retry means a fresh engine from the Factory.
package negotiation

import (
	"context"

	"github.com/smartbell/doorcall/internal/signalmsg"
)

// State mirrors the coarse connection lifecycle of the underlying peer.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Engine is one negotiation attempt.
//
// Callback registration (OnLocalCandidate, OnStateChange) must happen before
// the first CreateOffer/SetRemoteDescription call. Close is idempotent and
// releases any attached media.
type Engine interface {
	CreateOffer(ctx context.Context) (signalmsg.SDP, error)
	CreateAnswer(ctx context.Context) (signalmsg.SDP, error)

	// SetRemoteDescription applies the peer's offer or answer. Candidates may
	// only be added after this has succeeded.
	SetRemoteDescription(desc signalmsg.SDP) error
	AddCandidate(cand signalmsg.Candidate) error

	// AttachLocalMedia acquires local tracks and adds them to the peer. ctx
	// bounds the acquisition; on timeout the engine stays usable and the call
	// proceeds without outbound media.
	AttachLocalMedia(ctx context.Context) error

	OnLocalCandidate(fn func(signalmsg.Candidate))
	OnStateChange(fn func(State))

	Close() error
}

// Factory builds a fresh Engine for each negotiation attempt.
type Factory func() (Engine, error)
