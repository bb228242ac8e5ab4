package handshake_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/virtgpu/iovrelay/handshake"
	"github.com/virtgpu/iovrelay/relay"
)

func v(major, minor uint16) handshake.Version {
	return handshake.Version{Major: major, Minor: minor}
}

// peerChannel builds a loopback channel whose handshake answers come from
// answer, fed the proposed version.
func peerChannel(answer func(proposed handshake.Version) handshake.Version) *relay.Channel {
	return relay.NewLoopback(relay.OriginHost, func(action relay.Action, payload []uint32) ([]uint32, error) {
		if action != relay.ActionHandshake {
			return nil, fmt.Errorf("unexpected action %s", action)
		}

		return []uint32{answer(handshake.FromWord(payload[0])).Word()}, nil
	})
}

// echoPeer accepts the highest of its supported versions at or below the
// proposal, mirroring what the device firmware does.
func echoPeer(supported ...handshake.Version) *relay.Channel {
	return peerChannel(func(proposed handshake.Version) handshake.Version {
		for _, s := range supported {
			if !proposed.Less(s) {
				return s
			}
		}

		return handshake.Version{}
	})
}

func TestVersionWord(t *testing.T) {
	t.Parallel()

	ver := v(3, 17)

	if got := handshake.FromWord(ver.Word()); got != ver {
		t.Errorf("round-trip gave %s, want %s", got, ver)
	}

	if v(1, 2).Word() != 0x0001_0002 {
		t.Errorf("word layout = %#08x", v(1, 2).Word())
	}
}

func TestVersionLess(t *testing.T) {
	t.Parallel()

	if !v(1, 9).Less(v(2, 0)) {
		t.Error("major should dominate minor")
	}

	if !v(1, 1).Less(v(1, 2)) {
		t.Error("minor should order within a major line")
	}

	if v(2, 0).Less(v(2, 0)) {
		t.Error("a version is not less than itself")
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	ch := echoPeer(v(1, 0))

	if _, err := handshake.New(ch, nil); err == nil {
		t.Error("empty supported list should be rejected")
	}

	if _, err := handshake.New(ch, []handshake.Version{v(1, 0), v(1, 2)}); err == nil {
		t.Error("ascending supported list should be rejected")
	}

	if _, err := handshake.New(ch, []handshake.Version{v(1, 2), v(1, 0)}); err != nil {
		t.Errorf("descending list rejected: %v", err)
	}
}

func TestNegotiateExactMatch(t *testing.T) {
	t.Parallel()

	n, err := handshake.New(echoPeer(v(1, 0)), []handshake.Version{v(1, 0)})
	if err != nil {
		t.Fatal(err)
	}

	got, err := n.Negotiate(context.Background(), v(1, 0))
	if err != nil {
		t.Fatal(err)
	}

	if got != v(1, 0) {
		t.Errorf("agreed %s, want 1.0", got)
	}

	if n.State() != handshake.Agreed {
		t.Errorf("state = %s, want agreed", n.State())
	}

	if agreed, ok := n.Agreed(); !ok || agreed != v(1, 0) {
		t.Errorf("Agreed() = %s, %v", agreed, ok)
	}
}

// A counter-offer is a downgrade event, not a terminal failure: the offer
// comes back with ErrVersionMismatch and a deliberate second round on the
// offered version can still agree.
func TestNegotiateDowngradeThenAccept(t *testing.T) {
	t.Parallel()

	peer := echoPeer(v(2, 0), v(1, 3))

	n, err := handshake.New(peer, []handshake.Version{v(2, 5), v(2, 0), v(1, 3)})
	if err != nil {
		t.Fatal(err)
	}

	offer, err := n.Negotiate(context.Background(), v(2, 5))
	if !errors.Is(err, handshake.ErrVersionMismatch) {
		t.Fatalf("got %v, want ErrVersionMismatch", err)
	}

	if offer != v(2, 0) {
		t.Fatalf("counter-offer = %s, want 2.0", offer)
	}

	if n.State() == handshake.Failed {
		t.Fatal("downgrade must not be terminal")
	}

	got, err := n.Negotiate(context.Background(), offer)
	if err != nil {
		t.Fatal(err)
	}

	if got != v(2, 0) {
		t.Errorf("agreed %s, want 2.0", got)
	}
}

func TestNegotiateTerminalFailures(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		ch   *relay.Channel
	}{
		{
			name: "zero version refusal",
			ch:   peerChannel(func(handshake.Version) handshake.Version { return handshake.Version{} }),
		},
		{
			name: "offer above proposal",
			ch:   peerChannel(func(handshake.Version) handshake.Version { return v(9, 0) }),
		},
		{
			name: "handler failure",
			ch: relay.NewLoopback(relay.OriginHost, func(relay.Action, []uint32) ([]uint32, error) {
				return nil, fmt.Errorf("%w: backend gone", relay.ErrPeerUnavailable)
			}),
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			n, err := handshake.New(tt.ch, []handshake.Version{v(1, 0)})
			if err != nil {
				t.Fatal(err)
			}

			if _, err := n.Negotiate(context.Background(), v(1, 0)); err == nil {
				t.Fatal("negotiation should fail")
			}

			if n.State() != handshake.Failed {
				t.Errorf("state = %s, want failed", n.State())
			}

			// Failed is terminal.
			if _, err := n.Negotiate(context.Background(), v(1, 0)); !errors.Is(err, handshake.ErrVersionMismatch) {
				t.Errorf("retry after failure gave %v", err)
			}
		})
	}
}

func TestQueryAcceptsLowerOffer(t *testing.T) {
	t.Parallel()

	n, err := handshake.New(echoPeer(v(1, 1)), []handshake.Version{v(2, 0), v(1, 1)})
	if err != nil {
		t.Fatal(err)
	}

	got, err := n.Query(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if got != v(1, 1) {
		t.Errorf("query gave %s, want 1.1", got)
	}

	if n.State() != handshake.Agreed {
		t.Errorf("state = %s, want agreed", n.State())
	}
}

func TestEstablish(t *testing.T) {
	t.Parallel()

	supported := []handshake.Version{v(2, 5), v(2, 0), v(1, 3), v(1, 0)}

	for _, tt := range []struct {
		name string
		peer *relay.Channel
		want handshake.Version
	}{
		{name: "first proposal accepted", peer: echoPeer(v(2, 5)), want: v(2, 5)},
		{name: "minor fallback", peer: echoPeer(v(2, 0)), want: v(2, 0)},
		{name: "major fallback", peer: echoPeer(v(1, 3), v(1, 0)), want: v(1, 3)},
		{name: "lowest common", peer: echoPeer(v(1, 0)), want: v(1, 0)},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			n, err := handshake.New(tt.peer, supported)
			if err != nil {
				t.Fatal(err)
			}

			got, err := n.Establish(context.Background())
			if err != nil {
				t.Fatal(err)
			}

			if got != tt.want {
				t.Errorf("established %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEstablishNoCommonVersion(t *testing.T) {
	t.Parallel()

	n, err := handshake.New(echoPeer(v(0, 9)), []handshake.Version{v(2, 0), v(1, 0)})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := n.Establish(context.Background()); !errors.Is(err, handshake.ErrVersionMismatch) {
		t.Fatalf("got %v, want ErrVersionMismatch", err)
	}

	if n.State() != handshake.Failed {
		t.Errorf("state = %s, want failed", n.State())
	}
}

// Establishing twice against the same peer lands on the same version.
func TestEstablishDeterministic(t *testing.T) {
	t.Parallel()

	supported := []handshake.Version{v(2, 5), v(2, 0), v(1, 3)}

	first, err := mustEstablish(supported, v(2, 0), v(1, 3))
	if err != nil {
		t.Fatal(err)
	}

	second, err := mustEstablish(supported, v(2, 0), v(1, 3))
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Errorf("re-negotiation drifted: %s then %s", first, second)
	}
}

func mustEstablish(supported []handshake.Version, peer ...handshake.Version) (handshake.Version, error) {
	n, err := handshake.New(echoPeer(peer...), supported)
	if err != nil {
		return handshake.Version{}, err
	}

	return n.Establish(context.Background())
}
