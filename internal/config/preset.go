package config

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Preset names a receive budget profile.
type Preset string

const (
	Small  Preset = "small"
	Medium Preset = "medium"
	Large  Preset = "large"
)

// Budget sizes the buffers of a channel.
type Budget struct {
	// Bytes a socket may deliver to the guest before being acknowledged.
	MaxInFlight Size
	// Size of the scratch buffers used to receive from host sockets.
	BufferSize Size
	// Bytes of buffers a channel may hold at any time.
	PoolBudget Size
}

var presets = map[Preset]Budget{
	Small:  {MaxInFlight: 64 * KiB, BufferSize: 16 * KiB, PoolBudget: 4 * MiB},
	Medium: {MaxInFlight: 256 * KiB, BufferSize: 64 * KiB, PoolBudget: 32 * MiB},
	Large:  {MaxInFlight: 1 * MiB, BufferSize: 64 * KiB, PoolBudget: 128 * MiB},
}

// Presets returns the preset names in alphabetical order.
func Presets() []Preset {
	names := maps.Keys(presets)
	slices.Sort(names)
	return names
}

func LookupPreset(name string) (Budget, error) {
	budget, ok := presets[Preset(name)]
	if !ok {
		return Budget{}, fmt.Errorf("unknown preset %q (expected one of %v): %w", name, Presets(), ErrInvalid)
	}
	return budget, nil
}

func (p Preset) String() string { return string(p) }

func (p *Preset) Set(s string) error {
	if _, err := LookupPreset(s); err != nil {
		return err
	}
	*p = Preset(s)
	return nil
}

func (p Preset) Budget() Budget {
	return presets[p]
}
