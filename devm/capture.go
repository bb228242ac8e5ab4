package devm

import (
	"context"
	"fmt"

	"github.com/virtgpu/iovrelay/migration"
)

// Migration passes assume the VF's normal device activity is already
// paused by the caller; concurrent mutation of a resource being captured
// or restored is undefined for the pass.

// BeginMigrationCapture opens a capture pass for id: refuses a wedged
// device, queries every resource size and pins them for the pass.  A pass
// interrupted by a transport failure stays open; call
// ResumeMigrationPass to continue it or AbortMigrationPass to drop it.
func (m *Manager) BeginMigrationCapture(ctx context.Context, id migration.VFIdentity) error {
	return m.beginPass(ctx, id, false)
}

// BeginMigrationRestore opens a restore pass for id and checks that the
// live resource sizes match the manifest exactly.
func (m *Manager) BeginMigrationRestore(ctx context.Context, id migration.VFIdentity, man *migration.Manifest) error {
	if err := m.beginPass(ctx, id, true); err != nil {
		return err
	}

	rt, err := m.runtime(id)
	if err != nil {
		return err
	}

	for class, want := range man.Sizes {
		got, err := rt.pass.QuerySize(ctx, class)
		if err != nil {
			m.AbortMigrationPass(id)

			return err
		}

		if got != want {
			m.AbortMigrationPass(id)

			return fmt.Errorf("%w: %s is %d bytes here, manifest says %d",
				migration.ErrSizeChanged, class, got, want)
		}
	}

	return nil
}

func (m *Manager) beginPass(ctx context.Context, id migration.VFIdentity, restore bool) error {
	if m.pf.Wedged() {
		return fmt.Errorf("%w: %s", errWedgedDevice, id)
	}

	rt, err := m.runtime(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if rt.pass != nil {
		m.mu.Unlock()

		return fmt.Errorf("%w: %s", errPassActive, id)
	}
	m.mu.Unlock()

	store, err := migration.NewStore(rt.ch, id)
	if err != nil {
		return err
	}

	for class := migration.ResourceClass(0); class < migration.NumClasses; class++ {
		if _, err := store.QuerySize(ctx, class); err != nil {
			return err
		}
	}

	// Re-check under the same lock as the assignment: a concurrent begin
	// that won the race must not have its pass replaced.
	m.mu.Lock()
	defer m.mu.Unlock()

	if rt.pass != nil {
		return fmt.Errorf("%w: %s", errPassActive, id)
	}

	rt.pass = store
	rt.restore = restore

	return nil
}

func (m *Manager) activePass(id migration.VFIdentity) (*vfRuntime, *migration.Store, error) {
	rt, err := m.runtime(id)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rt.pass == nil {
		return nil, nil, fmt.Errorf("%w: %s", errNoPass, id)
	}

	return rt, rt.pass, nil
}

// CaptureChunk captures len(buf) bytes of class at offset into buf.
func (m *Manager) CaptureChunk(ctx context.Context, id migration.VFIdentity, class migration.ResourceClass, offset uint64, buf []byte) (int, error) {
	_, store, err := m.activePass(id)
	if err != nil {
		return 0, err
	}

	return store.Save(ctx, class, offset, buf)
}

// RestoreChunk restores len(buf) bytes of class at offset from buf.
func (m *Manager) RestoreChunk(ctx context.Context, id migration.VFIdentity, class migration.ResourceClass, offset uint64, buf []byte) (int, error) {
	_, store, err := m.activePass(id)
	if err != nil {
		return 0, err
	}

	return store.Load(ctx, class, offset, buf)
}

// PassProgress reports the cursor of one resource class in the active
// pass.
func (m *Manager) PassProgress(id migration.VFIdentity, class migration.ResourceClass) (migration.TransferState, error) {
	_, store, err := m.activePass(id)
	if err != nil {
		return migration.TransferState{}, err
	}

	return store.Progress(class), nil
}

// ResumeMigrationPass re-validates an interrupted pass: every resource
// size must be unchanged, otherwise the pass is aborted and must restart
// from zero.
func (m *Manager) ResumeMigrationPass(ctx context.Context, id migration.VFIdentity) error {
	_, store, err := m.activePass(id)
	if err != nil {
		return err
	}

	for class := migration.ResourceClass(0); class < migration.NumClasses; class++ {
		if err := store.VerifyResumable(ctx, class); err != nil {
			m.AbortMigrationPass(id)

			return err
		}
	}

	return nil
}

// AbortMigrationPass drops the active pass; partial transfer state is
// discarded.
func (m *Manager) AbortMigrationPass(id migration.VFIdentity) {
	rt, err := m.runtime(id)
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rt.pass = nil
}

// EndMigrationCapture closes a complete capture pass and returns its
// manifest.  An incomplete pass is refused and stays open for resume.
func (m *Manager) EndMigrationCapture(id migration.VFIdentity) (*migration.Manifest, error) {
	rt, store, err := m.activePass(id)
	if err != nil {
		return nil, err
	}

	man := &migration.Manifest{
		VFID:    id.VFID,
		Tile:    id.Tile,
		Version: rt.version,
		Sizes:   make(map[migration.ResourceClass]uint64),
	}

	for class := migration.ResourceClass(0); class < migration.NumClasses; class++ {
		st := store.Progress(class)
		if !st.Complete {
			return nil, fmt.Errorf("%w: %s for %s at %d of %d bytes",
				errPassShort, class, id, st.Done, st.Total)
		}

		man.Sizes[class] = st.Total
	}

	m.mu.Lock()
	rt.pass = nil
	m.mu.Unlock()

	m.pf.NotePass(id.VFID)

	return man, nil
}

// EndMigrationRestore closes a complete restore pass and flags the VF for
// post-migration recovery.
func (m *Manager) EndMigrationRestore(id migration.VFIdentity) error {
	rt, store, err := m.activePass(id)
	if err != nil {
		return err
	}

	for class := migration.ResourceClass(0); class < migration.NumClasses; class++ {
		st := store.Progress(class)
		if !st.Complete {
			return fmt.Errorf("%w: %s for %s at %d of %d bytes",
				errPassShort, class, id, st.Done, st.Total)
		}
	}

	m.mu.Lock()
	rt.pass = nil
	m.mu.Unlock()

	rt.role.SetRecoveryPending(true)

	return nil
}
