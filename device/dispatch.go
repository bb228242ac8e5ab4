package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/virtgpu/iovrelay/handshake"
	"github.com/virtgpu/iovrelay/migration"
	"github.com/virtgpu/iovrelay/relay"
	"github.com/virtgpu/iovrelay/telemetry"
)

var (
	errNotARequest   = errors.New("relay message is not a request")
	errChunkTooLarge = errors.New("chunk does not fit a bounded response")
	errBadRange      = errors.New("chunk outside resource bounds")
)

// ServeRelay answers one raw relay message from a VF.  It implements
// relay.ServeFunc and is the PF side of every exchange: handshake, size
// queries, save/load chunks and telemetry delivery.
func (p *PF) ServeRelay(words []uint32) ([]uint32, error) {
	m, err := relay.Decode(words)

	switch {
	case errors.Is(err, relay.ErrUnsupportedAction):
		// Forward compatibility: a newer VF may use actions this build
		// does not know.  Answer with a no-op response instead of
		// failing the channel.
		p.log.WithField("action", m.Action.String()).Debug("unsupported action, answering no-op")

		return p.respond(m.Action, nil)

	case err != nil:
		return nil, err
	}

	if m.Type != relay.TypeRequest {
		return nil, fmt.Errorf("%w: got %s", errNotARequest, m.Type)
	}

	switch m.Action {
	case relay.ActionHandshake:
		return p.serveHandshake(m.Payload)

	case relay.ActionGGTTSize, relay.ActionLMEMSize, relay.ActionFWStateSize:
		return p.serveSize(m.Action, m.Payload)

	case relay.ActionGGTTSave, relay.ActionLMEMSave, relay.ActionFWStateSave:
		return p.serveSave(m.Action, m.Payload)

	case relay.ActionGGTTLoad, relay.ActionLMEMLoad, relay.ActionFWStateLoad:
		return p.serveLoad(m.Action, m.Payload)

	case relay.ActionTelemetryPush:
		return p.serveTelemetry(m.Action, m.Payload)
	}

	return p.respond(m.Action, nil)
}

// respond frames payload as this PF's response to action.
func (p *PF) respond(action relay.Action, payload []uint32) ([]uint32, error) {
	return relay.Encode(relay.Msg{
		Origin:  p.Origin(),
		Type:    relay.TypeResponse,
		Action:  action,
		Payload: payload,
	})
}

// serveHandshake answers a version proposal with the highest version this
// PF runs at or below it, or 0.0 when no common version exists.  The PF
// never answers above the proposal.
func (p *PF) serveHandshake(payload []uint32) ([]uint32, error) {
	proposed := handshake.FromWord(payload[0])

	var offer handshake.Version

	for _, s := range p.supported {
		if !proposed.Less(s) {
			offer = s

			break
		}
	}

	p.log.WithFields(logrus.Fields{
		"proposed": proposed.String(),
		"offered":  offer.String(),
	}).Debug("handshake served")

	return p.respond(relay.ActionHandshake, []uint32{offer.Word()})
}

// classOf maps a migration action to its resource class.
func classOf(action relay.Action) migration.ResourceClass {
	switch action {
	case relay.ActionGGTTSize, relay.ActionGGTTSave, relay.ActionGGTTLoad:
		return migration.ClassGGTT
	case relay.ActionLMEMSize, relay.ActionLMEMSave, relay.ActionLMEMLoad:
		return migration.ClassLMEM
	default:
		return migration.ClassFWState
	}
}

// chunkArgs decodes the common (vfid, tile, offset, length) prefix of a
// save/load request and resolves the target resource bytes.
func (p *PF) chunkArgs(action relay.Action, payload []uint32) ([]byte, uint64, int, error) {
	if p.Wedged() {
		return nil, 0, 0, fmt.Errorf("%w: refusing %s", errDeviceWedged, action)
	}

	res, err := p.Resources(payload[0], payload[1])
	if err != nil {
		return nil, 0, 0, err
	}

	offset := uint64(payload[2]) | uint64(payload[3])<<32
	n := int(payload[4])
	data := res.snapshot(classOf(action))

	// Overflow-safe: offset near 2^64 must not wrap past the check.
	if offset > uint64(len(data)) || uint64(n) > uint64(len(data))-offset {
		return nil, 0, 0, fmt.Errorf("%w: %s offset %d + %d bytes exceeds %d",
			errBadRange, action, offset, n, len(data))
	}

	return data, offset, n, nil
}

func (p *PF) serveSize(action relay.Action, payload []uint32) ([]uint32, error) {
	if p.Wedged() {
		return nil, fmt.Errorf("%w: refusing %s", errDeviceWedged, action)
	}

	res, err := p.Resources(payload[0], payload[1])
	if err != nil {
		return nil, err
	}

	size := uint64(len(res.snapshot(classOf(action))))

	return p.respond(action, []uint32{uint32(size), uint32(size >> 32)})
}

func (p *PF) serveSave(action relay.Action, payload []uint32) ([]uint32, error) {
	data, offset, n, err := p.chunkArgs(action, payload)
	if err != nil {
		return nil, err
	}

	if 1+migration.DataWords(n)+1 > relay.MaxMsgLen {
		return nil, fmt.Errorf("%w: %d bytes", errChunkTooLarge, n)
	}

	resp := migration.PackBytes(data[offset : offset+uint64(n)])
	resp = append(resp, uint32(n))

	return p.respond(action, resp)
}

func (p *PF) serveLoad(action relay.Action, payload []uint32) ([]uint32, error) {
	data, offset, n, err := p.chunkArgs(action, payload)
	if err != nil {
		return nil, err
	}

	if len(payload) < 5+migration.DataWords(n) {
		return nil, fmt.Errorf("%w: load carries %d payload words for %d bytes",
			errBadRange, len(payload), n)
	}

	migration.UnpackBytes(data[offset:offset+uint64(n)], payload[5:], n)

	return p.respond(action, []uint32{uint32(n)})
}

// telemetrySnapshot decodes the TELEMETRY_PUSH payload.  Older VFs send
// fewer counters; missing ones stay zero.
func telemetrySnapshot(payload []uint32) telemetry.Snapshot {
	var snap telemetry.Snapshot

	if len(payload) >= 4 {
		snap.LMEMAllocated = uint64(payload[2]) | uint64(payload[3])<<32
	}

	if len(payload) >= 6 {
		snap.GGTTUsed = uint64(payload[4]) | uint64(payload[5])<<32
	}

	if len(payload) >= 7 {
		snap.Passes = uint64(payload[6])
	}

	snap.Taken = time.Now()

	return snap
}

// serveTelemetry records a delivered counter snapshot.  Strictly optional
// path: unknown VFs are dropped silently rather than failing the channel.
func (p *PF) serveTelemetry(action relay.Action, payload []uint32) ([]uint32, error) {
	vfid, tile := payload[0], payload[1]

	snap := telemetrySnapshot(payload)

	if _, err := p.Resources(vfid, tile); err == nil {
		p.agg.Record(vfid, tile, snap)
	}

	return p.respond(action, nil)
}
