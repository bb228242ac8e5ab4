// Package probe prints what this build of the relay speaks: protocol
// versions and action codes, verified against a loopback PF.
package probe

import (
	"context"
	"fmt"
	"sort"

	"github.com/virtgpu/iovrelay/device"
	"github.com/virtgpu/iovrelay/devm"
	"github.com/virtgpu/iovrelay/handshake"
	"github.com/virtgpu/iovrelay/migration"
	"github.com/virtgpu/iovrelay/relay"
)

// Capabilities exercises a loopback handshake and prints the supported
// protocol versions and the action table.
func Capabilities() error {
	pf := device.NewPF(devm.SupportedVersions)

	ch := relay.New(relay.OriginHost, relay.NewLocalTransport(pf.ServeRelay))

	neg, err := handshake.New(ch, devm.SupportedVersions)
	if err != nil {
		return err
	}

	version, err := neg.Query(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("relay protocol: %s (loopback agreed)\n", version)

	fmt.Printf("supported versions:")

	for _, v := range devm.SupportedVersions {
		fmt.Printf(" %s", v)
	}

	fmt.Printf("\n\nactions:\n")

	actions := make([]relay.Action, 0, len(relay.ActionNames))
	for a := range relay.ActionNames {
		actions = append(actions, a)
	}

	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })

	for _, a := range actions {
		fmt.Printf("  %#04x %s\n", uint16(a), relay.ActionNames[a])
	}

	fmt.Printf("\nmessage bounds: %d..%d words, %d data bytes per chunk\n",
		relay.MinMsgLen, relay.MaxMsgLen, migration.WireChunkBytes)

	fmt.Printf("device wedged: %v\n", pf.Wedged())

	return nil
}
