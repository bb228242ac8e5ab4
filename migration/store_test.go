package migration_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/virtgpu/iovrelay/migration"
	"github.com/virtgpu/iovrelay/relay"
)

// fwSim answers relay requests like the device firmware: one byte-slice
// backing per resource class, with optional fault injection after a set
// number of data bytes moved.
type fwSim struct {
	backing map[migration.ResourceClass][]byte

	// failAfter injects a transport failure once that many data bytes
	// have been served.  Negative disables injection.
	failAfter int
	moved     int
}

func newFwSim(ggtt, lmem, fwstate int) *fwSim {
	sim := &fwSim{
		backing: map[migration.ResourceClass][]byte{
			migration.ClassGGTT:    make([]byte, ggtt),
			migration.ClassLMEM:    make([]byte, lmem),
			migration.ClassFWState: make([]byte, fwstate),
		},
		failAfter: -1,
	}

	for _, b := range sim.backing {
		for i := range b {
			b[i] = byte(i * 7)
		}
	}

	return sim
}

func classOf(action relay.Action) migration.ResourceClass {
	switch action {
	case relay.ActionGGTTSize, relay.ActionGGTTSave, relay.ActionGGTTLoad:
		return migration.ClassGGTT
	case relay.ActionLMEMSize, relay.ActionLMEMSave, relay.ActionLMEMLoad:
		return migration.ClassLMEM
	}

	return migration.ClassFWState
}

func (f *fwSim) handle(action relay.Action, payload []uint32) ([]uint32, error) {
	data := f.backing[classOf(action)]

	switch action {
	case relay.ActionGGTTSize, relay.ActionLMEMSize, relay.ActionFWStateSize:
		return []uint32{uint32(len(data)), uint32(uint64(len(data)) >> 32)}, nil

	case relay.ActionGGTTSave, relay.ActionLMEMSave, relay.ActionFWStateSave:
		off := uint64(payload[2]) | uint64(payload[3])<<32
		n := int(payload[4])

		if f.failAfter >= 0 && f.moved+n > f.failAfter {
			return nil, fmt.Errorf("%w: injected", relay.ErrPeerUnavailable)
		}

		f.moved += n

		resp := migration.PackBytes(data[off : off+uint64(n)])

		return append(resp, uint32(n)), nil

	case relay.ActionGGTTLoad, relay.ActionLMEMLoad, relay.ActionFWStateLoad:
		off := uint64(payload[2]) | uint64(payload[3])<<32
		n := int(payload[4])

		if f.failAfter >= 0 && f.moved+n > f.failAfter {
			return nil, fmt.Errorf("%w: injected", relay.ErrPeerUnavailable)
		}

		f.moved += n

		migration.UnpackBytes(data[off:off+uint64(n)], payload[5:], n)

		return []uint32{uint32(n)}, nil
	}

	return nil, fmt.Errorf("fwSim: action %s", action)
}

func (f *fwSim) resize(class migration.ResourceClass, size int) {
	f.backing[class] = make([]byte, size)
}

func simStore(t *testing.T, sim *fwSim) *migration.Store {
	t.Helper()

	ch := relay.NewLoopback(relay.OriginHost, sim.handle)

	s, err := migration.NewStore(ch, migration.VFIdentity{VFID: 1, Tile: 0})
	if err != nil {
		t.Fatal(err)
	}

	return s
}

func TestNewStoreRejectsPF(t *testing.T) {
	t.Parallel()

	ch := relay.NewLoopback(relay.OriginHost, newFwSim(0, 0, 0).handle)

	if _, err := migration.NewStore(ch, migration.VFIdentity{VFID: 0}); err == nil {
		t.Error("vfid 0 must be rejected")
	}
}

func TestQuerySizeCachesPerPass(t *testing.T) {
	t.Parallel()

	sim := newFwSim(256, 4096, 64)
	s := simStore(t, sim)
	ctx := context.Background()

	total, err := s.QuerySize(ctx, migration.ClassLMEM)
	if err != nil {
		t.Fatal(err)
	}

	if total != 4096 {
		t.Fatalf("total = %d, want 4096", total)
	}

	// The size is fixed for the pass even if the resource changes
	// underneath.
	sim.resize(migration.ClassLMEM, 8192)

	total, err = s.QuerySize(ctx, migration.ClassLMEM)
	if err != nil {
		t.Fatal(err)
	}

	if total != 4096 {
		t.Errorf("cached total = %d, want 4096", total)
	}

	s.Reset()

	total, err = s.QuerySize(ctx, migration.ClassLMEM)
	if err != nil {
		t.Fatal(err)
	}

	if total != 8192 {
		t.Errorf("total after reset = %d, want 8192", total)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	// Sizes straddle word and wire-chunk boundaries on purpose.
	sim := newFwSim(515, 10*1024+5, 2048)
	s := simStore(t, sim)
	ctx := context.Background()

	for class, want := range sim.backing {
		total, err := s.QuerySize(ctx, class)
		if err != nil {
			t.Fatal(err)
		}

		buf := make([]byte, total)

		n, err := s.Save(ctx, class, 0, buf)
		if err != nil {
			t.Fatalf("%s: %v", class, err)
		}

		if n != len(buf) {
			t.Fatalf("%s: saved %d bytes, want %d", class, n, len(buf))
		}

		if !bytes.Equal(buf, want) {
			t.Errorf("%s: captured bytes differ from backing", class)
		}

		if st := s.Progress(class); !st.Complete || st.Done != total {
			t.Errorf("%s: progress = %+v", class, st)
		}
	}
}

func TestLoadRoundTrip(t *testing.T) {
	t.Parallel()

	sim := newFwSim(0, 777, 0)
	s := simStore(t, sim)
	ctx := context.Background()

	if _, err := s.QuerySize(ctx, migration.ClassLMEM); err != nil {
		t.Fatal(err)
	}

	img := make([]byte, 777)
	for i := range img {
		img[i] = byte(255 - i%251)
	}

	n, err := s.Load(ctx, migration.ClassLMEM, 0, img)
	if err != nil {
		t.Fatal(err)
	}

	if n != len(img) {
		t.Fatalf("loaded %d bytes, want %d", n, len(img))
	}

	if !bytes.Equal(sim.backing[migration.ClassLMEM], img) {
		t.Error("restored backing differs from image")
	}
}

func TestTransferBeforeQuerySize(t *testing.T) {
	t.Parallel()

	s := simStore(t, newFwSim(0, 1024, 0))

	_, err := s.Save(context.Background(), migration.ClassLMEM, 0, make([]byte, 64))
	if !errors.Is(err, migration.ErrSizeNotQueried) {
		t.Errorf("got %v, want ErrSizeNotQueried", err)
	}
}

func TestTransferOutOfRange(t *testing.T) {
	t.Parallel()

	s := simStore(t, newFwSim(0, 1024, 0))
	ctx := context.Background()

	if _, err := s.QuerySize(ctx, migration.ClassLMEM); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name   string
		offset uint64
		n      int
	}{
		{name: "past the end", offset: 1024, n: 1},
		{name: "straddling the end", offset: 1000, n: 64},
		{name: "offset wraps around", offset: ^uint64(0) - 8, n: 64},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := s.Save(ctx, migration.ClassLMEM, tt.offset, make([]byte, tt.n))
			if !errors.Is(err, migration.ErrOutOfRange) {
				t.Errorf("got %v, want ErrOutOfRange", err)
			}
		})
	}
}

// The resumable cursor only counts contiguous progress: a save ahead of
// it leaves a gap and must not move it, or a later resume would skip the
// gap bytes.
func TestCursorIgnoresGappedProgress(t *testing.T) {
	t.Parallel()

	s := simStore(t, newFwSim(0, 4096, 0))
	ctx := context.Background()

	if _, err := s.QuerySize(ctx, migration.ClassLMEM); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Save(ctx, migration.ClassLMEM, 2048, make([]byte, 512)); err != nil {
		t.Fatal(err)
	}

	if st := s.Progress(migration.ClassLMEM); st.Done != 0 || st.Complete {
		t.Fatalf("gapped save moved the cursor: %+v", st)
	}

	if _, err := s.Save(ctx, migration.ClassLMEM, 0, make([]byte, 1024)); err != nil {
		t.Fatal(err)
	}

	if st := s.Progress(migration.ClassLMEM); st.Done != 1024 {
		t.Errorf("contiguous save did not advance: %+v", st)
	}
}

// An interrupted save leaves the cursor at the last acknowledged offset;
// the resumed save continues from there instead of restarting from zero.
func TestSaveResumesAfterInterruption(t *testing.T) {
	t.Parallel()

	const (
		total     = 10 << 20
		callerBuf = 1 << 20
		failAt    = 6 << 20
	)

	sim := newFwSim(0, total, 0)
	sim.failAfter = failAt
	s := simStore(t, sim)
	ctx := context.Background()

	if _, err := s.QuerySize(ctx, migration.ClassLMEM); err != nil {
		t.Fatal(err)
	}

	out := make([]byte, total)
	captured := 0

	for captured < total {
		n, err := s.Save(ctx, migration.ClassLMEM, uint64(captured), out[captured:captured+callerBuf])
		captured += n

		if err != nil {
			if !errors.Is(err, relay.ErrPeerUnavailable) {
				t.Fatalf("unexpected failure: %v", err)
			}

			break
		}
	}

	if captured != failAt {
		t.Fatalf("interrupted at %d bytes, want %d", captured, failAt)
	}

	st := s.Progress(migration.ClassLMEM)
	if st.Done != failAt || st.Complete {
		t.Fatalf("cursor = %+v, want done=%d", st, failAt)
	}

	// Peer back; the resume check passes because the size is unchanged.
	sim.failAfter = -1

	if err := s.VerifyResumable(ctx, migration.ClassLMEM); err != nil {
		t.Fatal(err)
	}

	for captured < total {
		n, err := s.Save(ctx, migration.ClassLMEM, uint64(captured), out[captured:captured+callerBuf])
		if err != nil {
			t.Fatal(err)
		}

		captured += n
	}

	if !bytes.Equal(out, sim.backing[migration.ClassLMEM]) {
		t.Error("resumed capture differs from backing")
	}

	if st := s.Progress(migration.ClassLMEM); !st.Complete {
		t.Errorf("progress = %+v, want complete", st)
	}
}

// A resource reallocated between interruption and resume invalidates the
// whole pass: partial state from different allocations is never merged.
func TestVerifyResumableSizeChanged(t *testing.T) {
	t.Parallel()

	sim := newFwSim(0, 4096, 0)
	s := simStore(t, sim)
	ctx := context.Background()

	if _, err := s.QuerySize(ctx, migration.ClassLMEM); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Save(ctx, migration.ClassLMEM, 0, make([]byte, 1024)); err != nil {
		t.Fatal(err)
	}

	sim.resize(migration.ClassLMEM, 8192)

	err := s.VerifyResumable(ctx, migration.ClassLMEM)
	if !errors.Is(err, migration.ErrSizeChanged) {
		t.Fatalf("got %v, want ErrSizeChanged", err)
	}

	// The stale cursor is gone; the next pass starts from scratch.
	if st := s.Progress(migration.ClassLMEM); st.Done != 0 || st.Total != 0 {
		t.Errorf("stale cursor survived: %+v", st)
	}
}

func TestPackUnpackBytes(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 3, 4, 5, 191, 192} {
		src := make([]byte, n)
		for i := range src {
			src[i] = byte(i + 1)
		}

		words := migration.PackBytes(src)
		if len(words) != migration.DataWords(n) {
			t.Errorf("n=%d: %d words, want %d", n, len(words), migration.DataWords(n))
		}

		dst := make([]byte, n)
		migration.UnpackBytes(dst, words, n)

		if !bytes.Equal(dst, src) {
			t.Errorf("n=%d: round-trip mismatch", n)
		}
	}
}
