package flag_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/virtgpu/iovrelay/flag"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		in   string
		unit string
		want int
	}{
		{name: "bare number uses default unit", in: "64", unit: "m", want: 64 << 20},
		{name: "explicit megabytes", in: "16M", unit: "", want: 16 << 20},
		{name: "lowercase gigabytes", in: "2g", unit: "", want: 2 << 30},
		{name: "kilobytes override default", in: "8k", unit: "g", want: 8 << 10},
		{name: "hex number", in: "0x10", unit: "", want: 16},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := flag.ParseSize(tt.in, tt.unit)
			if err != nil {
				t.Fatal(err)
			}

			if got != tt.want {
				t.Errorf("ParseSize(%q, %q) = %d, want %d", tt.in, tt.unit, got, tt.want)
			}
		})
	}
}

func TestParseSizeInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "m", "12q", "-4k"} {
		if _, err := flag.ParseSize(in, ""); err == nil {
			t.Errorf("ParseSize(%q) should fail", in)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "iovrelay.yaml")

	raw := `metrics_addr: ":9001"
vfs:
  - vfid: 1
    lmem: 64m
    ggtt: 4m
    telemetry_rate: 2s
  - vfid: 2
    tile: 1
    lmem: 128m
    ggtt: 8m
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := flag.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if c.MetricsAddr != ":9001" {
		t.Errorf("metrics addr = %q", c.MetricsAddr)
	}

	// Unset fields keep their defaults.
	if c.IncomingAddr != ":4789" {
		t.Errorf("incoming addr = %q", c.IncomingAddr)
	}

	if len(c.VFs) != 2 {
		t.Fatalf("got %d vfs, want 2", len(c.VFs))
	}

	if c.VFs[0].TelemetryRate != 2*time.Second {
		t.Errorf("telemetry rate = %v", c.VFs[0].TelemetryRate)
	}

	if c.VFs[1].Tile != 1 {
		t.Errorf("tile = %d", c.VFs[1].Tile)
	}
}

func TestLoadConfigRejectsVFIDZero(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("vfs:\n  - vfid: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := flag.LoadConfig(path); err == nil {
		t.Error("vfid 0 should be rejected")
	}
}
