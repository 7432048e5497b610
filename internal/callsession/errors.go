package callsession

import "fmt"

// Kind classifies a session failure so the controller can pick a recovery
// policy without string-matching errors.
type Kind int

const (
	// KindTransport covers channel disconnects and connect failures.
	// Recoverable via the reconnect policy.
	KindTransport Kind = iota
	// KindNegotiation covers rejected descriptions and engine failures.
	// Recoverable via a full reset.
	KindNegotiation
	// KindTimeout covers negotiation and reconnect timeouts. Recoverable up
	// to the retry budget.
	KindTimeout
	// KindProtocol covers malformed or stale messages. These are dropped and
	// logged, never surfaced as a session failure.
	KindProtocol
	// KindResource covers local media acquisition failure.
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindNegotiation:
		return "negotiation"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Failure is a classified session error.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func transportFailure(err error) *Failure   { return &Failure{Kind: KindTransport, Err: err} }
func negotiationFailure(err error) *Failure { return &Failure{Kind: KindNegotiation, Err: err} }
func timeoutFailure(err error) *Failure     { return &Failure{Kind: KindTimeout, Err: err} }
func resourceFailure(err error) *Failure    { return &Failure{Kind: KindResource, Err: err} }
