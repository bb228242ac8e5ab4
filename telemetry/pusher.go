// Package telemetry delivers lightweight per-VF usage counters from VF to
// PF over the relay, on a runtime-reconfigurable interval, and aggregates
// them on the PF side for export.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/virtgpu/iovrelay/relay"
)

var telLog = logrus.WithField("source", "telemetry")

// Snapshot is one set of per-VF usage counters.
type Snapshot struct {
	LMEMAllocated uint64
	GGTTUsed      uint64
	Passes        uint64
	Taken         time.Time
}

// Sampler computes the current counters for a VF.  Must be cheap; it runs
// on every tick.
type Sampler func() Snapshot

// Pusher periodically samples one VF's counters and pushes them to the PF,
// fire-and-forget.  The last successfully sampled snapshot is cached so
// readers needing roughly-current telemetry never wait on the channel.
//
// The pusher is exclusively owned by the VF side; the PF only ever reads
// delivered copies.
type Pusher struct {
	mu sync.Mutex

	ch     *relay.Channel
	vfid   uint32
	tile   uint32
	sample Sampler

	rate    time.Duration
	cached  Snapshot
	have    bool
	kick    chan struct{}
	done    chan struct{}
	started bool

	log *logrus.Entry
}

// NewPusher returns a pusher for (vfid, tile) over ch, sampling with
// sample every rate.  Rate 0 starts paused.
func NewPusher(ch *relay.Channel, vfid, tile uint32, sample Sampler, rate time.Duration) *Pusher {
	return &Pusher{
		ch:     ch,
		vfid:   vfid,
		tile:   tile,
		sample: sample,
		rate:   rate,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		log: telLog.WithFields(logrus.Fields{
			"vfid": vfid,
			"tile": tile,
		}),
	}
}

// Start launches the delivery loop.
func (p *Pusher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}

	p.started = true

	go p.run()
}

// Stop halts delivery permanently.  The cached snapshot stays readable.
func (p *Pusher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return
	}

	p.started = false
	close(p.done)
}

// SetRate changes the delivery interval at runtime.  Rate 0 pauses
// delivery without destroying cached state.
func (p *Pusher) SetRate(d time.Duration) {
	p.mu.Lock()
	p.rate = d
	p.mu.Unlock()

	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Rate returns the current delivery interval.
func (p *Pusher) Rate() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.rate
}

// Cached returns the last sampled snapshot without touching the channel.
func (p *Pusher) Cached() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cached, p.have
}

// PushNow samples and pushes immediately, outside the periodic schedule.
func (p *Pusher) PushNow(ctx context.Context) error {
	return p.push(ctx, p.takeSample())
}

func (p *Pusher) takeSample() Snapshot {
	snap := p.sample()
	snap.Taken = time.Now()

	p.mu.Lock()
	p.cached = snap
	p.have = true
	p.mu.Unlock()

	return snap
}

// push sends one TELEMETRY_PUSH.  The response carries no payload beyond
// the channel-level acknowledgment.
func (p *Pusher) push(ctx context.Context, snap Snapshot) error {
	payload := []uint32{
		p.vfid, p.tile,
		uint32(snap.LMEMAllocated), uint32(snap.LMEMAllocated >> 32),
		uint32(snap.GGTTUsed), uint32(snap.GGTTUsed >> 32),
		uint32(snap.Passes),
	}

	_, err := p.ch.SendRequest(ctx, relay.ActionTelemetryPush, payload, 0)

	return err
}

func (p *Pusher) run() {
	timer := time.NewTimer(p.waitFor())
	defer timer.Stop()

	for {
		select {
		case <-p.done:
			return

		case <-p.kick:
			// Rate changed; rearm.

		case <-timer.C:
			snap := p.takeSample()

			// Failures never stop subsequent ticks; telemetry is
			// strictly optional.
			if err := p.push(context.Background(), snap); err != nil {
				p.log.WithError(err).Warn("telemetry push failed")
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		timer.Reset(p.waitFor())
	}
}

// waitFor returns the next wait interval; a paused pusher sleeps until a
// kick.
func (p *Pusher) waitFor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rate <= 0 {
		return time.Duration(1<<63 - 1)
	}

	return p.rate
}
