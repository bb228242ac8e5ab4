package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/virtgpu/iovrelay/relay"
)

var migLog = logrus.WithField("source", "migration")

// WireChunkBytes is the largest data slice one relay message carries.
// Callers hand the store arbitrarily large buffers; the store splits them
// into wire-sized pieces, each itself a bounded relay message.
const WireChunkBytes = 192

var (
	// ErrOutOfRange reports a save/load outside the queried resource
	// size.  Always a caller bug, never retried.
	ErrOutOfRange = errors.New("migration offset out of range")

	// ErrSizeChanged reports that a resource was reallocated between the
	// size query and a resume attempt.  The pass must restart from zero;
	// partial state is never merged.
	ErrSizeChanged = errors.New("migration resource size changed mid-pass")

	// ErrSizeNotQueried reports a save/load issued before QuerySize for
	// that resource class in the current pass.
	ErrSizeNotQueried = errors.New("migration size not queried for this pass")
)

// Store transfers one VF's resource snapshots over the relay in bounded
// chunks, tracking a resumable cursor per resource class.  One Store
// covers one migration pass; begin the next pass with Reset.
type Store struct {
	mu sync.Mutex

	ch  *relay.Channel
	id  VFIdentity
	cur map[ResourceClass]*TransferState

	log *logrus.Entry
}

// NewStore returns a store for the VF identified by id, speaking over ch.
func NewStore(ch *relay.Channel, id VFIdentity) (*Store, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	return &Store{
		ch:  ch,
		id:  id,
		cur: make(map[ResourceClass]*TransferState),
		log: migLog.WithField("vf", id.String()),
	}, nil
}

// QuerySize returns the exact byte length of the class snapshot.  The
// first call of a pass asks the peer; later calls return the cached value,
// which is fixed for the duration of the pass.
func (s *Store) QuerySize(ctx context.Context, class ResourceClass) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.cur[class]; ok {
		return st.Total, nil
	}

	total, err := s.querySizeWire(ctx, class)
	if err != nil {
		return 0, err
	}

	s.cur[class] = &TransferState{Total: total, Complete: total == 0}

	return total, nil
}

func (s *Store) querySizeWire(ctx context.Context, class ResourceClass) (uint64, error) {
	sizeAction, _, _ := class.actions()

	resp, err := s.ch.SendRequest(ctx, sizeAction,
		[]uint32{s.id.VFID, s.id.Tile}, 2)
	if err != nil {
		return 0, fmt.Errorf("%s size query for %s: %w", class, s.id, err)
	}

	return uint64(resp[0]) | uint64(resp[1])<<32, nil
}

// VerifyResumable re-queries the class size before resuming an interrupted
// pass.  If the underlying resource was reallocated the cursor is dropped
// and ErrSizeChanged is returned: the pass restarts from zero, it is never
// merged.
func (s *Store) VerifyResumable(ctx context.Context, class ResourceClass) error {
	s.mu.Lock()
	st, ok := s.cur[class]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s for %s: %w", class, s.id, ErrSizeNotQueried)
	}

	total, err := s.querySizeWire(ctx, class)
	if err != nil {
		return err
	}

	if total != st.Total {
		s.mu.Lock()
		delete(s.cur, class)
		s.mu.Unlock()

		return fmt.Errorf("%w: %s for %s was %d bytes, now %d",
			ErrSizeChanged, class, s.id, st.Total, total)
	}

	return nil
}

// Progress returns the transfer cursor for class.  The zero value is
// returned before the first QuerySize.
func (s *Store) Progress(class ResourceClass) TransferState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.cur[class]; ok {
		return *st
	}

	return TransferState{}
}

// Reset forgets all cursors, ending the current pass.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cur = make(map[ResourceClass]*TransferState)
}

// Save captures len(buf) bytes of the class snapshot starting at offset
// into buf.  Returns the bytes captured, which is short only when the
// transfer was interrupted; the cursor then sits at the last acknowledged
// offset and a resumed Save continues from there.
func (s *Store) Save(ctx context.Context, class ResourceClass, offset uint64, buf []byte) (int, error) {
	return s.transfer(ctx, class, offset, buf, false)
}

// Load restores len(buf) bytes from buf into the live resource at offset.
// Same range and resume rules as Save.
func (s *Store) Load(ctx context.Context, class ResourceClass, offset uint64, buf []byte) (int, error) {
	return s.transfer(ctx, class, offset, buf, true)
}

func (s *Store) transfer(ctx context.Context, class ResourceClass, offset uint64, buf []byte, load bool) (int, error) {
	s.mu.Lock()
	st, ok := s.cur[class]
	s.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("%s for %s: %w", class, s.id, ErrSizeNotQueried)
	}

	// Overflow-safe: offset near 2^64 must not wrap past the check.
	if offset > st.Total || uint64(len(buf)) > st.Total-offset {
		return 0, fmt.Errorf("%w: %s for %s: offset %d + %d bytes exceeds size %d",
			ErrOutOfRange, class, s.id, offset, len(buf), st.Total)
	}

	done := 0

	for done < len(buf) {
		n := min(len(buf)-done, WireChunkBytes)
		at := offset + uint64(done)

		var err error
		if load {
			err = s.loadWire(ctx, class, at, buf[done:done+n])
		} else {
			err = s.saveWire(ctx, class, at, buf[done:done+n])
		}

		if err != nil {
			// Report exactly where the pass stopped so the operator can
			// resume or abort.
			return done, fmt.Errorf("%s for %s stopped at offset %d: %w",
				class, s.id, at, err)
		}

		done += n
		s.advance(st, at, at+uint64(n))
	}

	return done, nil
}

// advance moves the cursor forward for contiguous progress only.  A chunk
// starting past Done leaves a gap and must not count as resumable prefix;
// a chunk at or behind Done extends it only by the bytes it covers beyond
// it.
func (s *Store) advance(st *TransferState, start, end uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if start <= st.Done && end > st.Done {
		st.Done = end
	}

	st.Complete = st.Done == st.Total
}

// saveWire issues one bounded SAVE exchange for buf.
func (s *Store) saveWire(ctx context.Context, class ResourceClass, offset uint64, buf []byte) error {
	_, saveAction, _ := class.actions()

	req := []uint32{
		s.id.VFID, s.id.Tile,
		uint32(offset), uint32(offset >> 32),
		uint32(len(buf)),
	}

	resp, err := s.ch.SendRequest(ctx, saveAction, req, DataWords(len(buf))+1)
	if err != nil {
		return err
	}

	got := resp[len(resp)-1]
	if got != uint32(len(buf)) {
		return fmt.Errorf("%w: save acknowledged %d bytes, want %d",
			relay.ErrProtocol, got, len(buf))
	}

	UnpackBytes(buf, resp[:len(resp)-1], len(buf))

	return nil
}

// loadWire issues one bounded LOAD exchange for buf.
func (s *Store) loadWire(ctx context.Context, class ResourceClass, offset uint64, buf []byte) error {
	_, _, loadAction := class.actions()

	req := []uint32{
		s.id.VFID, s.id.Tile,
		uint32(offset), uint32(offset >> 32),
		uint32(len(buf)),
	}
	req = append(req, PackBytes(buf)...)

	resp, err := s.ch.SendRequest(ctx, loadAction, req, 1)
	if err != nil {
		return err
	}

	if resp[0] != uint32(len(buf)) {
		return fmt.Errorf("%w: load acknowledged %d bytes, want %d",
			relay.ErrProtocol, resp[0], len(buf))
	}

	return nil
}
