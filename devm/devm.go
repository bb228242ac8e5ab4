// Package devm binds the device model, relay, handshake, migration store
// and telemetry together into the management surface used by
// administration layers: per-VF provisioning, capture/restore passes and
// live migration between hosts.
package devm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/virtgpu/iovrelay/device"
	"github.com/virtgpu/iovrelay/handshake"
	"github.com/virtgpu/iovrelay/migration"
	"github.com/virtgpu/iovrelay/relay"
	"github.com/virtgpu/iovrelay/telemetry"
)

var devmLog = logrus.WithField("source", "devm")

// SupportedVersions lists the protocol revisions this build runs,
// preferred first.
var SupportedVersions = []handshake.Version{
	{Major: 1, Minor: 2},
	{Major: 1, Minor: 1},
	{Major: 1, Minor: 0},
}

var (
	errVFExists     = errors.New("vf already managed")
	errVFUnknown    = errors.New("vf not managed")
	errPassActive   = errors.New("migration pass already active")
	errNoPass       = errors.New("no migration pass active")
	errPassShort    = errors.New("migration pass incomplete")
	errWedgedDevice = errors.New("device is wedged, refusing migration")
)

// VFConfig describes one VF to bring up.
type VFConfig struct {
	VFID          uint32        `yaml:"vfid"`
	Tile          uint32        `yaml:"tile"`
	LMEMSize      uint64        `yaml:"lmem_size"`
	GGTTSize      uint64        `yaml:"ggtt_size"`
	TelemetryRate time.Duration `yaml:"telemetry_rate"`
}

// vfRuntime is everything the manager keeps per live VF.
type vfRuntime struct {
	cfg     VFConfig
	role    *device.VF
	ch      *relay.Channel
	version handshake.Version

	// pass is the active migration pass store, nil between passes.
	pass    *migration.Store
	restore bool
}

// Manager owns one PF and its VFs within a host.
type Manager struct {
	mu sync.Mutex

	pf  *device.PF
	vfs map[migration.VFIdentity]*vfRuntime

	log *logrus.Entry
}

// New returns a manager around a freshly constructed PF.
func New() *Manager {
	return &Manager{
		pf:  device.NewPF(SupportedVersions),
		vfs: make(map[migration.VFIdentity]*vfRuntime),
		log: devmLog,
	}
}

// PF exposes the underlying PF device.
func (m *Manager) PF() *device.PF { return m.pf }

// AddVF provisions a VF, runs the version handshake over its fresh relay
// channel and starts its telemetry pusher.
func (m *Manager) AddVF(ctx context.Context, cfg VFConfig) error {
	id := migration.VFIdentity{VFID: cfg.VFID, Tile: cfg.Tile}
	if err := id.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.vfs[id]; ok {
		m.mu.Unlock()

		return fmt.Errorf("%w: %s", errVFExists, id)
	}
	m.mu.Unlock()

	if err := m.pf.Provision(cfg.VFID, cfg.Tile, cfg.LMEMSize, cfg.GGTTSize); err != nil {
		return err
	}

	ch := relay.New(relay.OriginHost, relay.NewLocalTransport(m.pf.ServeRelay))

	role, err := device.NewVF(cfg.VFID, cfg.Tile, ch)
	if err != nil {
		return err
	}

	neg, err := handshake.New(ch, SupportedVersions)
	if err != nil {
		return err
	}

	version, err := neg.Establish(ctx)
	if err != nil {
		return fmt.Errorf("vf%d.%d handshake: %w", cfg.VFID, cfg.Tile, err)
	}

	res, err := m.pf.Resources(cfg.VFID, cfg.Tile)
	if err != nil {
		return err
	}

	rt := &vfRuntime{cfg: cfg, role: role, ch: ch, version: version}

	pusher := telemetry.NewPusher(ch, cfg.VFID, cfg.Tile, func() telemetry.Snapshot {
		return telemetry.Snapshot{
			LMEMAllocated: uint64(len(res.LMEM)),
			GGTTUsed:      res.GGTT.Used(),
		}
	}, cfg.TelemetryRate)
	role.SetPusher(pusher)
	pusher.Start()

	m.mu.Lock()
	m.vfs[id] = rt
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"vf":      id.String(),
		"version": version.String(),
	}).Info("vf online")

	return nil
}

// RemoveVF stops a VF's telemetry and deprovisions it.
func (m *Manager) RemoveVF(id migration.VFIdentity) error {
	m.mu.Lock()
	rt, ok := m.vfs[id]
	delete(m.vfs, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", errVFUnknown, id)
	}

	if p := rt.role.Pusher(); p != nil {
		p.Stop()
	}

	m.pf.Deprovision(id.VFID)

	return nil
}

func (m *Manager) runtime(id migration.VFIdentity) (*vfRuntime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.vfs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errVFUnknown, id)
	}

	return rt, nil
}

// VFVersion returns the protocol version a VF agreed with the PF.
func (m *Manager) VFVersion(id migration.VFIdentity) (handshake.Version, error) {
	rt, err := m.runtime(id)
	if err != nil {
		return handshake.Version{}, err
	}

	return rt.version, nil
}

// SetTelemetryRate reconfigures a VF's delivery interval at runtime.
// Rate 0 pauses delivery; the cached snapshot stays readable.
func (m *Manager) SetTelemetryRate(id migration.VFIdentity, rate time.Duration) error {
	rt, err := m.runtime(id)
	if err != nil {
		return err
	}

	if p := rt.role.Pusher(); p != nil {
		p.SetRate(rate)
	}

	return nil
}

// ReadCachedTelemetry returns the VF's last sampled counters without
// touching the relay.
func (m *Manager) ReadCachedTelemetry(id migration.VFIdentity) (telemetry.Snapshot, bool) {
	rt, err := m.runtime(id)
	if err != nil {
		return telemetry.Snapshot{}, false
	}

	if p := rt.role.Pusher(); p != nil {
		return p.Cached()
	}

	return telemetry.Snapshot{}, false
}
