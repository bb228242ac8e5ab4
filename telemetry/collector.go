package telemetry

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	lmemAllocatedDesc = prometheus.NewDesc("iovrelay_vf_lmem_allocated_bytes",
		"local device memory allocated to the VF", []string{"vfid", "tile"}, nil)
	ggttUsedDesc = prometheus.NewDesc("iovrelay_vf_ggtt_used_bytes",
		"GGTT region bytes in use by the VF", []string{"vfid", "tile"}, nil)
	passesDesc = prometheus.NewDesc("iovrelay_vf_migration_passes_total",
		"completed migration passes for the VF", []string{"vfid", "tile"}, nil)
	ageDesc = prometheus.NewDesc("iovrelay_vf_telemetry_age_seconds",
		"seconds since the VF last delivered telemetry", []string{"vfid", "tile"}, nil)
)

type vfKey struct {
	vfid uint32
	tile uint32
}

type vfRecord struct {
	snap     Snapshot
	received time.Time
}

// Aggregator holds the last delivered counters per VF on the PF side.
// It implements prometheus.Collector.
type Aggregator struct {
	mu   sync.Mutex
	byVF map[vfKey]vfRecord
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{byVF: make(map[vfKey]vfRecord)}
}

// Record stores a delivered snapshot for (vfid, tile).
func (a *Aggregator) Record(vfid, tile uint32, snap Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.byVF[vfKey{vfid: vfid, tile: tile}] = vfRecord{snap: snap, received: time.Now()}
}

// Drop forgets a deprovisioned VF.
func (a *Aggregator) Drop(vfid, tile uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.byVF, vfKey{vfid: vfid, tile: tile})
}

// Last returns the most recently delivered snapshot for (vfid, tile).
func (a *Aggregator) Last(vfid, tile uint32) (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.byVF[vfKey{vfid: vfid, tile: tile}]

	return rec.snap, ok
}

// Describe implements prometheus.Collector.
func (a *Aggregator) Describe(ch chan<- *prometheus.Desc) {
	ch <- lmemAllocatedDesc
	ch <- ggttUsedDesc
	ch <- passesDesc
	ch <- ageDesc
}

// Collect implements prometheus.Collector.
func (a *Aggregator) Collect(ch chan<- prometheus.Metric) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, rec := range a.byVF {
		labels := []string{
			strconv.FormatUint(uint64(key.vfid), 10),
			strconv.FormatUint(uint64(key.tile), 10),
		}

		ch <- prometheus.MustNewConstMetric(lmemAllocatedDesc,
			prometheus.GaugeValue, float64(rec.snap.LMEMAllocated), labels...)
		ch <- prometheus.MustNewConstMetric(ggttUsedDesc,
			prometheus.GaugeValue, float64(rec.snap.GGTTUsed), labels...)
		ch <- prometheus.MustNewConstMetric(passesDesc,
			prometheus.CounterValue, float64(rec.snap.Passes), labels...)
		ch <- prometheus.MustNewConstMetric(ageDesc,
			prometheus.GaugeValue, time.Since(rec.received).Seconds(), labels...)
	}
}
