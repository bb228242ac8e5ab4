package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var relayLog = logrus.WithField("source", "relay")

var (
	// ErrProtocol reports a structurally valid response that violates the
	// exchange: wrong length, wrong action echo, wrong origin.  Fatal to
	// the current exchange only.
	ErrProtocol = errors.New("relay protocol error")

	// ErrTransport wraps a lower-layer delivery failure.  Retrying is the
	// caller's decision, never automatic.
	ErrTransport = errors.New("relay transport error")

	// ErrPeerUnavailable reports that no counterpart is reachable.
	ErrPeerUnavailable = errors.New("relay peer unavailable")
)

// Transport moves word arrays between one PF/VF pairing.  It is assumed
// reliable, ordered and request/response-correlated; the relay never looks
// inside its framing.
type Transport interface {
	// Send transmits one message to the peer.
	Send(words []uint32) error

	// Recv blocks until the next message from the peer arrives or ctx is
	// done.
	Recv(ctx context.Context) ([]uint32, error)
}

// Handler answers a decoded request with response payload words.  Used for
// loopback channels and by the PF-side dispatcher.
type Handler func(action Action, payload []uint32) ([]uint32, error)

// DefaultTimeout bounds a single request/response exchange when the caller
// passes a context without its own deadline.
const DefaultTimeout = 5 * time.Second

// Channel is the request/response link between a VF and its PF (or the
// reverse).  At most one request is in flight at any instant; concurrent
// callers serialize on the channel.
type Channel struct {
	mu sync.Mutex

	self     Origin
	tr       Transport
	loopback Handler
	relaxed  bool
	timeout  time.Duration

	log *logrus.Entry
}

// New returns a channel owned by side self, speaking to its peer over tr.
func New(self Origin, tr Transport) *Channel {
	return &Channel{
		self:    self,
		tr:      tr,
		timeout: DefaultTimeout,
		log:     relayLog.WithField("origin", self.String()),
	}
}

// NewLoopback returns a channel whose requests are answered synchronously
// by h instead of a physical transport.  Test use only.
func NewLoopback(self Origin, h Handler) *Channel {
	c := New(self, nil)
	c.loopback = h

	return c
}

// SetRelaxed toggles relaxed mode: origin and action-echo checks on
// responses are skipped.  Used by conformance tests for fault injection,
// never in production operation.
func (c *Channel) SetRelaxed(relaxed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.relaxed = relaxed
}

// SetTimeout overrides the per-exchange deadline applied when the caller's
// context has none.
func (c *Channel) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.timeout = d
}

// SendRequest transmits one request and blocks until the correlated
// response arrives.  wantLen is the exact number of response payload words
// this action must produce; any other length is ErrProtocol.
func (c *Channel) SendRequest(ctx context.Context, action Action, payload []uint32, wantLen int) ([]uint32, error) {
	req, err := Encode(Msg{
		Origin:  c.self,
		Type:    TypeRequest,
		Action:  action,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}

	// One request in flight per channel.  Additional callers queue here
	// rather than issue concurrently, so responses cannot be misattributed.
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loopback != nil {
		words, err := c.answerLoopback(action, payload)

		return c.finish(action, wantLen, words, err)
	}

	if c.tr == nil {
		return nil, fmt.Errorf("%w: channel has no transport", ErrPeerUnavailable)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.tr.Send(req); err != nil {
		if errors.Is(err, ErrPeerUnavailable) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: send %s: %v", ErrTransport, action, err)
	}

	words, err := c.tr.Recv(ctx)
	if err != nil {
		if errors.Is(err, ErrPeerUnavailable) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: recv %s: %v", ErrTransport, action, err)
	}

	return c.finish(action, wantLen, words, nil)
}

// answerLoopback runs the local handler and frames its answer as a
// response message from the peer.
func (c *Channel) answerLoopback(action Action, payload []uint32) ([]uint32, error) {
	resp, err := c.loopback(action, append([]uint32(nil), payload...))
	if err != nil {
		return nil, err
	}

	return Encode(Msg{
		Origin:  c.self.Peer(),
		Type:    TypeResponse,
		Action:  action,
		Payload: resp,
	})
}

// finish validates a raw response against the request that produced it.
func (c *Channel) finish(action Action, wantLen int, words []uint32, err error) ([]uint32, error) {
	if err != nil {
		return nil, err
	}

	// Classify the type before full decoding: a reply framed as a request
	// or event is a protocol violation, not a malformed message, and must
	// not trip the request-payload length rules.
	if len(words) >= MinMsgLen {
		if t := MsgType(words[0]>>typeShift) & typeMask; t != TypeResponse {
			return nil, fmt.Errorf("%w: %s reply has type %s", ErrProtocol, action, t)
		}
	}

	m, err := Decode(words)
	if err != nil && !errors.Is(err, ErrUnsupportedAction) {
		return nil, err
	}

	if !c.relaxed {
		if m.Origin != c.self.Peer() {
			return nil, fmt.Errorf("%w: %s reply from origin %s, want %s",
				ErrProtocol, action, m.Origin, c.self.Peer())
		}

		if m.Action != action {
			return nil, fmt.Errorf("%w: reply action %s does not echo request %s",
				ErrProtocol, m.Action, action)
		}
	}

	if len(m.Payload) != wantLen {
		c.log.WithFields(logrus.Fields{
			"action": action.String(),
			"got":    len(m.Payload),
			"want":   wantLen,
		}).Debug("response length mismatch")

		return nil, fmt.Errorf("%w: %s reply carries %d payload words, want %d",
			ErrProtocol, action, len(m.Payload), wantLen)
	}

	return m.Payload, nil
}
