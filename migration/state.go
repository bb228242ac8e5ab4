// Package migration provides capture and restore of per-VF device state
// across a live-migration event: the GGTT mapping region, local device
// memory and firmware-visible state, moved as bounded chunks over the
// PF/VF relay.
package migration

import (
	"errors"
	"fmt"

	"github.com/virtgpu/iovrelay/handshake"
	"github.com/virtgpu/iovrelay/relay"
)

// ResourceClass identifies one of the migratable resource classes a VF
// owns.
type ResourceClass uint32

const (
	ClassGGTT ResourceClass = iota
	ClassLMEM
	ClassFWState

	// NumClasses counts the resource classes of one migration pass.
	NumClasses
)

func (c ResourceClass) String() string {
	switch c {
	case ClassGGTT:
		return "ggtt"
	case ClassLMEM:
		return "lmem"
	case ClassFWState:
		return "fwstate"
	}

	return fmt.Sprintf("class(%d)", uint32(c))
}

// actions returns the (size, save, load) relay actions for c.
func (c ResourceClass) actions() (relay.Action, relay.Action, relay.Action) {
	switch c {
	case ClassGGTT:
		return relay.ActionGGTTSize, relay.ActionGGTTSave, relay.ActionGGTTLoad
	case ClassLMEM:
		return relay.ActionLMEMSize, relay.ActionLMEMSave, relay.ActionLMEMLoad
	default:
		return relay.ActionFWStateSize, relay.ActionFWStateSave, relay.ActionFWStateLoad
	}
}

var errInvalidVFID = errors.New("vfid 0 is the PF, not a migration target")

// VFIdentity addresses one resource instance: a VF on one tile.  vfid 0 is
// reserved for the PF itself and is never a valid transfer target.
type VFIdentity struct {
	VFID uint32
	Tile uint32
}

func (id VFIdentity) String() string {
	return fmt.Sprintf("vf%d.%d", id.VFID, id.Tile)
}

// Validate rejects identities that can never be migrated.
func (id VFIdentity) Validate() error {
	if id.VFID == 0 {
		return errInvalidVFID
	}

	return nil
}

// TransferState is the cursor of one (VF, resource class) transfer within
// a migration pass.  Total is queried once and fixed for the pass; Done
// never exceeds it.
type TransferState struct {
	Total    uint64
	Done     uint64
	Complete bool
}

// Manifest describes one captured VF: what was transferred and under which
// protocol version.  It travels gob-encoded ahead of the chunk stream when
// a VF moves between hosts.
type Manifest struct {
	VFID    uint32
	Tile    uint32
	Version handshake.Version
	Sizes   map[ResourceClass]uint64
}

// Identity returns the VF the manifest describes.
func (m *Manifest) Identity() VFIdentity {
	return VFIdentity{VFID: m.VFID, Tile: m.Tile}
}
