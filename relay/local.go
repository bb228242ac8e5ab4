package relay

import (
	"context"
	"fmt"
	"sync"
)

// ServeFunc answers one raw request message with one raw response message.
// The PF-side dispatcher implements this.
type ServeFunc func(words []uint32) ([]uint32, error)

// LocalTransport connects a channel to an in-process peer: every Send is
// answered synchronously by the serve function and the reply is picked up
// by the next Recv.  This is the production path when PF and VF live in
// the same host process, and the test path everywhere else.
type LocalTransport struct {
	mu      sync.Mutex
	serve   ServeFunc
	pending [][]uint32
	down    bool
}

// NewLocalTransport wraps serve as a Transport.
func NewLocalTransport(serve ServeFunc) *LocalTransport {
	return &LocalTransport{serve: serve}
}

// SetDown marks the peer unreachable; subsequent Sends fail with
// ErrPeerUnavailable until SetDown(false).
func (t *LocalTransport) SetDown(down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.down = down
}

// Send delivers words to the peer and queues its reply.
func (t *LocalTransport) Send(words []uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.down {
		return fmt.Errorf("%w: local peer is down", ErrPeerUnavailable)
	}

	resp, err := t.serve(append([]uint32(nil), words...))
	if err != nil {
		return err
	}

	t.pending = append(t.pending, resp)

	return nil
}

// Recv returns the next queued reply.
func (t *LocalTransport) Recv(ctx context.Context) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		return nil, fmt.Errorf("%w: no response pending", ErrTransport)
	}

	words := t.pending[0]
	t.pending = t.pending[1:]

	return words, nil
}
