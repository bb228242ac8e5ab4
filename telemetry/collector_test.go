package telemetry_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtgpu/iovrelay/telemetry"
)

func TestAggregatorLast(t *testing.T) {
	t.Parallel()

	a := telemetry.NewAggregator()

	_, ok := a.Last(1, 0)
	require.False(t, ok)

	a.Record(1, 0, telemetry.Snapshot{LMEMAllocated: 64})
	a.Record(1, 0, telemetry.Snapshot{LMEMAllocated: 128})

	snap, ok := a.Last(1, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(128), snap.LMEMAllocated)

	a.Drop(1, 0)

	_, ok = a.Last(1, 0)
	assert.False(t, ok)
}

func TestAggregatorCollect(t *testing.T) {
	t.Parallel()

	a := telemetry.NewAggregator()
	a.Record(1, 0, telemetry.Snapshot{LMEMAllocated: 1 << 20, GGTTUsed: 4096, Passes: 2})
	a.Record(2, 1, telemetry.Snapshot{LMEMAllocated: 2 << 20})

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(a))

	expected := `
# HELP iovrelay_vf_lmem_allocated_bytes local device memory allocated to the VF
# TYPE iovrelay_vf_lmem_allocated_bytes gauge
iovrelay_vf_lmem_allocated_bytes{tile="0",vfid="1"} 1.048576e+06
iovrelay_vf_lmem_allocated_bytes{tile="1",vfid="2"} 2.097152e+06
# HELP iovrelay_vf_migration_passes_total completed migration passes for the VF
# TYPE iovrelay_vf_migration_passes_total counter
iovrelay_vf_migration_passes_total{tile="0",vfid="1"} 2
iovrelay_vf_migration_passes_total{tile="1",vfid="2"} 0
`

	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"iovrelay_vf_lmem_allocated_bytes", "iovrelay_vf_migration_passes_total")
	require.NoError(t, err)

	// The age gauge moves with the clock; only check that it is exported.
	count := testutil.CollectAndCount(a, "iovrelay_vf_telemetry_age_seconds")
	assert.Equal(t, 2, count)
}
