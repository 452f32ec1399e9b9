package slab

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/compactmem/memutils/metadata"
	"gopkg.in/yaml.v3"
)

// CreateFlags indicate specific arena behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized ensures that the arena and every handle created from it are not
	// synchronized internally. The consumer must guarantee they are used from only one goroutine at
	// a time.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateReleaseEmptySlabs releases a slab as soon as its last reservation is freed. By default
	// one empty slab is kept around to absorb the next reservation.
	CreateReleaseEmptySlabs
	// CreateOversizedSlabs gives reservations larger than the slab size a slab of their own. Without
	// it, such reservations fail with memutils.ErrOutOfMemory.
	CreateOversizedSlabs
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
	CreateReleaseEmptySlabs:      "CreateReleaseEmptySlabs",
	CreateOversizedSlabs:         "CreateOversizedSlabs",
}

var createFlagsYaml = map[string]CreateFlags{
	"externally_synchronized": CreateExternallySynchronized,
	"release_empty_slabs":     CreateReleaseEmptySlabs,
	"oversized_slabs":         CreateOversizedSlabs,
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit > 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = fmt.Sprintf("CreateFlags(%#x)", int32(bit))
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

// UnmarshalYAML reads flags from a sequence of flag names, such as [release_empty_slabs]
func (f *CreateFlags) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	err := value.Decode(&names)
	if err != nil {
		return err
	}

	var flags CreateFlags
	for _, name := range names {
		flag, ok := createFlagsYaml[name]
		if !ok {
			return errors.Newf("line %d: unknown arena flag %q", value.Line, name)
		}
		flags |= flag
	}

	*f = flags
	return nil
}

// MarshalYAML writes flags as a sequence of flag names
func (f CreateFlags) MarshalYAML() (any, error) {
	names := make([]string, 0, len(createFlagsYaml))
	for name, flag := range createFlagsYaml {
		if f&flag != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return names, nil
}

// Algorithm selects the block metadata used to place reservations within each slab
type Algorithm uint32

const (
	// AlgorithmFreeList places reservations anywhere in a slab with a list of coalescing free
	// regions. It is the default, and the only algorithm that can be defragmented.
	AlgorithmFreeList Algorithm = iota
	// AlgorithmLinear places each reservation after the last live one. Space in the middle of a
	// slab is only reclaimed once everything above it has been freed.
	AlgorithmLinear
)

var algorithmMapping = map[Algorithm]string{
	AlgorithmFreeList: "AlgorithmFreeList",
	AlgorithmLinear:   "AlgorithmLinear",
}

var algorithmYaml = map[string]Algorithm{
	"free_list": AlgorithmFreeList,
	"linear":    AlgorithmLinear,
}

func (a Algorithm) String() string {
	name, ok := algorithmMapping[a]
	if !ok {
		return fmt.Sprintf("Algorithm(%d)", uint32(a))
	}
	return name
}

func (a Algorithm) newMetadata() metadata.BlockMetadata {
	switch a {
	case AlgorithmFreeList:
		return metadata.NewFreeListBlockMetadata()
	case AlgorithmLinear:
		return metadata.NewLinearBlockMetadata()
	default:
		panic(fmt.Sprintf("unknown slab algorithm: %s", a.String()))
	}
}

// UnmarshalYAML reads an algorithm from its name: free_list or linear
func (a *Algorithm) UnmarshalYAML(value *yaml.Node) error {
	algorithm, ok := algorithmYaml[value.Value]
	if !ok {
		return errors.Newf("line %d: unknown slab algorithm %q", value.Line, value.Value)
	}

	*a = algorithm
	return nil
}

// MarshalYAML writes the algorithm's name
func (a Algorithm) MarshalYAML() (any, error) {
	for name, algorithm := range algorithmYaml {
		if algorithm == a {
			return name, nil
		}
	}

	return nil, errors.Newf("unknown slab algorithm %s", a)
}

// Strategy picks among the free regions of a slab that can hold a new reservation
type Strategy uint32

const (
	// StrategyDefault uses the smallest free region that fits
	StrategyDefault Strategy = iota
	// StrategyMinMemory uses the smallest free region that fits
	StrategyMinMemory
	// StrategyMinTime uses the first free region that fits
	StrategyMinTime
)

var strategyMapping = map[Strategy]string{
	StrategyDefault:   "StrategyDefault",
	StrategyMinMemory: "StrategyMinMemory",
	StrategyMinTime:   "StrategyMinTime",
}

var strategyYaml = map[string]Strategy{
	"default":    StrategyDefault,
	"min_memory": StrategyMinMemory,
	"min_time":   StrategyMinTime,
}

func (s Strategy) String() string {
	name, ok := strategyMapping[s]
	if !ok {
		return fmt.Sprintf("Strategy(%d)", uint32(s))
	}
	return name
}

func (s Strategy) metadataStrategy() metadata.AllocationStrategy {
	switch s {
	case StrategyMinMemory:
		return metadata.AllocationStrategyMinMemory
	case StrategyMinTime:
		return metadata.AllocationStrategyMinTime
	default:
		return 0
	}
}

// UnmarshalYAML reads a strategy from its name: default, min_memory or min_time
func (s *Strategy) UnmarshalYAML(value *yaml.Node) error {
	strategy, ok := strategyYaml[value.Value]
	if !ok {
		return errors.Newf("line %d: unknown reservation strategy %q", value.Line, value.Value)
	}

	*s = strategy
	return nil
}

// MarshalYAML writes the strategy's name
func (s Strategy) MarshalYAML() (any, error) {
	for name, strategy := range strategyYaml {
		if strategy == s {
			return name, nil
		}
	}

	return nil, errors.Newf("unknown reservation strategy %s", s)
}
