// Package handshake implements the PF/VF version negotiation that every
// relay channel runs once at VF boot, before any other action is issued.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/virtgpu/iovrelay/relay"
)

var hsLog = logrus.WithField("source", "handshake")

// Version is one protocol revision.  Both sides must report the agreed
// version identically for it to count as accepted.
type Version struct {
	Major uint16
	Minor uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Word packs v into its single-word wire form: major in the upper half,
// minor in the lower.
func (v Version) Word() uint32 {
	return uint32(v.Major)<<16 | uint32(v.Minor)
}

// FromWord unpacks a wire word into a Version.
func FromWord(w uint32) Version {
	return Version{Major: uint16(w >> 16), Minor: uint16(w)}
}

// IsZero reports whether v is the invalid 0.0 version.
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0
}

// Less orders versions major-first.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}

	return v.Minor < o.Minor
}

// State tracks negotiation progress.  Failed is terminal; only an
// administrator intervening (and constructing a fresh negotiator) clears it.
type State int

const (
	Unstarted State = iota
	Negotiating
	Agreed
	Failed
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Negotiating:
		return "negotiating"
	case Agreed:
		return "agreed"
	case Failed:
		return "failed"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrVersionMismatch reports that a round did not converge on the
	// proposed version.  From Negotiate this is a downgrade event the
	// caller must react to; from Establish it is terminal.
	ErrVersionMismatch = errors.New("relay version mismatch")

	errNoVersions    = errors.New("no supported versions")
	errNotDescending = errors.New("supported versions not in descending order")
)

// Negotiator drives the handshake over one relay channel.
type Negotiator struct {
	mu sync.Mutex

	ch        *relay.Channel
	supported []Version
	state     State
	agreed    Version

	log *logrus.Entry
}

// New returns a negotiator for ch.  supported lists every version this
// side can run, strictly descending; supported[0] is the preferred one.
func New(ch *relay.Channel, supported []Version) (*Negotiator, error) {
	if len(supported) == 0 {
		return nil, errNoVersions
	}

	for i := 1; i < len(supported); i++ {
		if !supported[i].Less(supported[i-1]) {
			return nil, fmt.Errorf("%w: %s before %s",
				errNotDescending, supported[i-1], supported[i])
		}
	}

	return &Negotiator{
		ch:        ch,
		supported: append([]Version(nil), supported...),
		log:       hsLog,
	}, nil
}

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.state
}

// Agreed returns the negotiated version, valid only once State is Agreed.
func (n *Negotiator) Agreed() (Version, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.agreed, n.state == Agreed
}

// round sends one HANDSHAKE exchange proposing want and returns the peer's
// answer.  Terminal failures move the state to Failed.
func (n *Negotiator) round(ctx context.Context, want Version) (Version, error) {
	resp, err := n.ch.SendRequest(ctx, relay.ActionHandshake, []uint32{want.Word()}, 1)
	if err != nil {
		n.fail()

		return Version{}, fmt.Errorf("handshake %s: %w", want, err)
	}

	offer := FromWord(resp[0])

	switch {
	case offer.IsZero():
		n.fail()

		return Version{}, fmt.Errorf("%w: peer refused %s outright",
			ErrVersionMismatch, want)

	case want.Less(offer):
		// A peer may never accept more than was proposed.
		n.fail()

		return Version{}, fmt.Errorf("%w: peer answered %s above proposal %s",
			ErrVersionMismatch, offer, want)
	}

	return offer, nil
}

func (n *Negotiator) fail() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.state = Failed
}

func (n *Negotiator) accept(v Version) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.state = Agreed
	n.agreed = v
}

// Negotiate proposes want and succeeds only if the peer echoes it exactly.
// A well-formed lower counter-offer is returned together with
// ErrVersionMismatch: the caller must treat it as a downgrade event and
// decide whether to re-propose.  The negotiator stays in Negotiating so a
// deliberate second round can still agree.
func (n *Negotiator) Negotiate(ctx context.Context, want Version) (Version, error) {
	n.mu.Lock()
	if n.state == Failed {
		n.mu.Unlock()

		return Version{}, fmt.Errorf("%w: negotiation already failed", ErrVersionMismatch)
	}
	n.state = Negotiating
	n.mu.Unlock()

	offer, err := n.round(ctx, want)
	if err != nil {
		return Version{}, err
	}

	if offer == want {
		n.accept(offer)
		n.log.WithField("version", offer.String()).Info("handshake agreed")

		return offer, nil
	}

	n.log.WithFields(logrus.Fields{
		"proposed": want.String(),
		"offered":  offer.String(),
	}).Warn("handshake downgrade offered")

	return offer, fmt.Errorf("%w: proposed %s, peer offers %s",
		ErrVersionMismatch, want, offer)
}

// Query probes the peer: it proposes this side's preferred version and
// accepts any well-formed version at or below it.  Use Negotiate when the
// caller must notice a downgrade; Query is for discovering what the peer
// runs.
func (n *Negotiator) Query(ctx context.Context) (Version, error) {
	n.mu.Lock()
	if n.state == Failed {
		n.mu.Unlock()

		return Version{}, fmt.Errorf("%w: negotiation already failed", ErrVersionMismatch)
	}
	n.state = Negotiating
	n.mu.Unlock()

	offer, err := n.round(ctx, n.supported[0])
	if err != nil {
		return Version{}, err
	}

	n.accept(offer)

	return offer, nil
}

// Establish runs the full fallback sequence: propose the preferred
// version, and on every counter-offer re-propose the highest supported
// version at or below the offer, until both sides report the same version.
// Minor mismatches resolve before major ones because supported versions on
// the same major line sort together.
func (n *Negotiator) Establish(ctx context.Context) (Version, error) {
	want := n.supported[0]

	for {
		offer, err := n.Negotiate(ctx, want)
		if err == nil {
			return offer, nil
		}

		if !errors.Is(err, ErrVersionMismatch) || n.State() == Failed {
			return Version{}, err
		}

		// offer is strictly below want here, so the next proposal is
		// strictly lower too and the loop terminates.
		next, ok := n.bestAtOrBelow(offer)
		if !ok {
			n.fail()

			return Version{}, fmt.Errorf("%w: no supported version at or below peer offer %s",
				ErrVersionMismatch, offer)
		}

		want = next
	}
}

// bestAtOrBelow returns the highest supported version not above v.
func (n *Negotiator) bestAtOrBelow(v Version) (Version, bool) {
	for _, s := range n.supported {
		if !v.Less(s) {
			return s, true
		}
	}

	return Version{}, false
}
