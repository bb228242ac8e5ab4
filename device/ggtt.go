package device

import (
	"errors"
	"fmt"
	"sync"
)

var errGGTTRangeOccupied = errors.New("ggtt range occupied")

// GGTT models the device-side page-table region mapping VF memory into
// device address space.  The table itself is the migratable snapshot; the
// node list tracks which ranges are in use.
type GGTT struct {
	mu sync.Mutex

	table []byte
	nodes []ggttNode
}

type ggttNode struct {
	name  string
	start uint64
	size  uint64
}

// NewGGTT returns an empty GGTT region of size bytes.
func NewGGTT(size uint64) *GGTT {
	return &GGTT{table: make([]byte, size)}
}

// Size returns the byte length of the GGTT snapshot region.
func (g *GGTT) Size() uint64 {
	return uint64(len(g.table))
}

// Table exposes the raw snapshot region for save/load.
func (g *GGTT) Table() []byte {
	return g.table
}

// Reserve claims [start, start+size) for name.
func (g *GGTT) Reserve(name string, start, size uint64) error {
	if start+size > uint64(len(g.table)) {
		return fmt.Errorf("%w: [%#x, %#x) beyond region size %#x",
			errGGTTRangeOccupied, start, start+size, len(g.table))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, n := range g.nodes {
		if start < n.start+n.size && n.start < start+size {
			return fmt.Errorf("%w: [%#x, %#x) overlaps %q",
				errGGTTRangeOccupied, start, start+size, n.name)
		}
	}

	g.nodes = append(g.nodes, ggttNode{name: name, start: start, size: size})

	return nil
}

// Release frees every range claimed under name.
func (g *GGTT) Release(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.nodes[:0]

	for _, n := range g.nodes {
		if n.name != name {
			kept = append(kept, n)
		}
	}

	g.nodes = kept
}

// Used returns the total bytes currently reserved.
func (g *GGTT) Used() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	var used uint64
	for _, n := range g.nodes {
		used += n.size
	}

	return used
}
