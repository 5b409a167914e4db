// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package simfleet

import "fmt"

const (
	DefaultBasePort   = 5000
	DefaultPortStride = 10
)

// PortConfig parameterizes port allocation. All slots of a run must share
// the same PortConfig.
type PortConfig struct {
	BasePort       int
	Stride         int
	SlotsPerDevice int
}

// Validate reports configurations for which AllocatePorts cannot guarantee
// disjoint ranges.
func (c PortConfig) Validate() error {
	if c.SlotsPerDevice < 1 {
		return fmt.Errorf("%w: slots per device must be at least 1, got %d", ErrInvalidConfig, c.SlotsPerDevice)
	}
	if c.Stride < 2 {
		return fmt.Errorf("%w: port stride must be at least 2, got %d", ErrInvalidConfig, c.Stride)
	}
	if c.BasePort < 1 {
		return fmt.Errorf("%w: base port must be positive, got %d", ErrInvalidConfig, c.BasePort)
	}
	return nil
}

// PortAssignment is the pair of ports a slot hands to its simulator and
// collector. The range [TMPort, TMPort+Stride) belongs to the slot.
type PortAssignment struct {
	TMPort    int
	WorldPort int
}

// AllocatePorts maps a slot to its port range. It is pure: the same slot and
// configuration always yield the same ports, and distinct slots with
// SlotIndex in [0, SlotsPerDevice) never overlap.
func AllocatePorts(slot SlotIdentity, c PortConfig) PortAssignment {
	base := c.BasePort + (slot.SlotIndex+slot.DeviceID*c.SlotsPerDevice)*c.Stride
	return PortAssignment{
		TMPort:    base,
		WorldPort: base + 1,
	}
}
