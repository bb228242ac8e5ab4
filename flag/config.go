package flag

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// VFDef is one VF entry in the daemon config file.  Sizes use the
// number[gGmMkK] format of ParseSize.
type VFDef struct {
	VFID          uint32        `yaml:"vfid"`
	Tile          uint32        `yaml:"tile"`
	LMEM          string        `yaml:"lmem"`
	GGTT          string        `yaml:"ggtt"`
	TelemetryRate time.Duration `yaml:"telemetry_rate"`
}

// Config is the PF daemon configuration.
type Config struct {
	MetricsAddr  string  `yaml:"metrics_addr"`
	IncomingAddr string  `yaml:"incoming_addr"`
	VFs          []VFDef `yaml:"vfs"`
}

// LoadConfig reads and validates a YAML daemon config.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	c := &Config{
		MetricsAddr:  ":9355",
		IncomingAddr: ":4789",
	}

	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for _, vf := range c.VFs {
		if vf.VFID == 0 {
			return nil, fmt.Errorf("config %s: vfid 0 is reserved for the PF", path)
		}
	}

	return c, nil
}
