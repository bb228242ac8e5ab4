// Package device models the virtualized GPU on both sides of the relay:
// the PF with its per-VF bookkeeping and action dispatcher, and the VF
// with its own recovery flags and telemetry pusher.
package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/virtgpu/iovrelay/handshake"
	"github.com/virtgpu/iovrelay/migration"
	"github.com/virtgpu/iovrelay/relay"
	"github.com/virtgpu/iovrelay/telemetry"
)

var devLog = logrus.WithField("source", "device")

// FWStateBytes is the size of the firmware-visible state blob kept per
// (VF, tile).  Fixed by the firmware interface.
const FWStateBytes = 2048

var (
	errUnknownVF     = errors.New("unknown vfid")
	errUnknownTile   = errors.New("unknown tile")
	errVFIDZero      = errors.New("vfid 0 is reserved for the PF")
	errAlreadyExists = errors.New("vf tile already provisioned")
	errDeviceWedged  = errors.New("device is wedged")
	errResetBadScope = errors.New("unknown reset scope")
)

// Role is the capability a device instance exposes.  A device is
// constructed as exactly one of PF or VF; the role never changes at
// runtime.
type Role interface {
	// Origin is the relay side this role speaks as.
	Origin() relay.Origin

	RoleName() string
}

// TileResources are the migratable resources of one (VF, tile) instance.
type TileResources struct {
	LMEM    []byte
	GGTT    *GGTT
	FWState []byte
}

// snapshot returns the raw bytes backing one resource class.
func (t *TileResources) snapshot(class migration.ResourceClass) []byte {
	switch class {
	case migration.ClassGGTT:
		return t.GGTT.Table()
	case migration.ClassLMEM:
		return t.LMEM
	default:
		return t.FWState
	}
}

// VFInfo is the PF's bookkeeping for one provisioned VF.
type VFInfo struct {
	VFID           uint32
	Tiles          map[uint32]*TileResources
	ProvisionCount int
	PassCount      uint64
}

// PF is the privileged owner of the physical device.  It serves relay
// requests from every VF and aggregates their telemetry.
type PF struct {
	mu sync.Mutex

	vfs       map[uint32]*VFInfo
	supported []handshake.Version
	agg       *telemetry.Aggregator
	wedged    atomic.Bool

	log *logrus.Entry
}

// NewPF returns a PF running the given protocol versions (strictly
// descending, preferred first).
func NewPF(supported []handshake.Version) *PF {
	return &PF{
		vfs:       make(map[uint32]*VFInfo),
		supported: append([]handshake.Version(nil), supported...),
		agg:       telemetry.NewAggregator(),
		log:       devLog.WithField("role", "pf"),
	}
}

// Origin implements Role: the PF answers relay requests as the firmware
// side of the channel.
func (p *PF) Origin() relay.Origin { return relay.OriginFirmware }

func (p *PF) RoleName() string { return "pf" }

// Telemetry returns the PF-side aggregation of delivered VF counters.
func (p *PF) Telemetry() *telemetry.Aggregator { return p.agg }

// Provision creates the (vfid, tile) resource instance with the given
// local memory and GGTT sizes.
func (p *PF) Provision(vfid, tile uint32, lmemSize, ggttSize uint64) error {
	if vfid == 0 {
		return errVFIDZero
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	vf, ok := p.vfs[vfid]
	if !ok {
		vf = &VFInfo{VFID: vfid, Tiles: make(map[uint32]*TileResources)}
		p.vfs[vfid] = vf
	}

	if _, ok := vf.Tiles[tile]; ok {
		return fmt.Errorf("%w: vf%d.%d", errAlreadyExists, vfid, tile)
	}

	vf.Tiles[tile] = &TileResources{
		LMEM:    make([]byte, lmemSize),
		GGTT:    NewGGTT(ggttSize),
		FWState: make([]byte, FWStateBytes),
	}
	vf.ProvisionCount++

	p.log.WithFields(logrus.Fields{
		"vfid": vfid,
		"tile": tile,
		"lmem": lmemSize,
		"ggtt": ggttSize,
	}).Info("vf provisioned")

	return nil
}

// Deprovision destroys a VF and drops its telemetry.
func (p *PF) Deprovision(vfid uint32) {
	p.mu.Lock()
	vf, ok := p.vfs[vfid]
	delete(p.vfs, vfid)
	p.mu.Unlock()

	if !ok {
		return
	}

	for tile := range vf.Tiles {
		p.agg.Drop(vfid, tile)
	}
}

// VFCount returns the number of provisioned VFs.
func (p *PF) VFCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.vfs)
}

// Resources returns the resource instance for (vfid, tile).
func (p *PF) Resources(vfid, tile uint32) (*TileResources, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	vf, ok := p.vfs[vfid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errUnknownVF, vfid)
	}

	res, ok := vf.Tiles[tile]
	if !ok {
		return nil, fmt.Errorf("%w: vf%d.%d", errUnknownTile, vfid, tile)
	}

	return res, nil
}

// NotePass counts one completed migration pass for vfid.
func (p *PF) NotePass(vfid uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vf, ok := p.vfs[vfid]; ok {
		vf.PassCount++
	}
}

// Wedged reports whether the device is in the wedged state.  Migration
// passes must never be attempted against a wedged device.
func (p *PF) Wedged() bool { return p.wedged.Load() }

// SetWedged marks the device wedged.  Fault-injection hook.
func (p *PF) SetWedged(w bool) { p.wedged.Store(w) }

// RequestReset asks the recovery machinery to reset the given scope and
// clears the wedged state on success.  The reset state machine itself
// lives outside this package.
func (p *PF) RequestReset(scope string) error {
	switch scope {
	case "device", "engine":
	default:
		return fmt.Errorf("%w: %q", errResetBadScope, scope)
	}

	p.log.WithField("scope", scope).Warn("reset requested")
	p.wedged.Store(false)

	return nil
}

// VF is the VF-side role object: its relay channel, migration-recovery
// flag and telemetry pusher.
type VF struct {
	mu sync.Mutex

	vfid uint32
	tile uint32
	ch   *relay.Channel

	pusher          *telemetry.Pusher
	recoveryPending bool
}

// NewVF returns the VF role for (vfid, tile) speaking over ch.
func NewVF(vfid, tile uint32, ch *relay.Channel) (*VF, error) {
	if vfid == 0 {
		return nil, errVFIDZero
	}

	return &VF{vfid: vfid, tile: tile, ch: ch}, nil
}

// Origin implements Role: the VF speaks as the host side of the channel.
func (v *VF) Origin() relay.Origin { return relay.OriginHost }

func (v *VF) RoleName() string { return "vf" }

// VFID returns the VF number.
func (v *VF) VFID() uint32 { return v.vfid }

// Tile returns the tile number.
func (v *VF) Tile() uint32 { return v.tile }

// Channel returns the VF's relay channel to the PF.
func (v *VF) Channel() *relay.Channel { return v.ch }

// SetPusher attaches the VF's telemetry pusher.
func (v *VF) SetPusher(p *telemetry.Pusher) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.pusher = p
}

// Pusher returns the VF's telemetry pusher, if attached.
func (v *VF) Pusher() *telemetry.Pusher {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.pusher
}

// SetRecoveryPending flags that the VF came out of a migration and must
// rebuild transient state before resuming work.
func (v *VF) SetRecoveryPending(pending bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.recoveryPending = pending
}

// RecoveryPending reports whether post-migration recovery is outstanding.
func (v *VF) RecoveryPending() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.recoveryPending
}
