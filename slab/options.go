package slab

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/compactmem/memutils"
	"gopkg.in/yaml.v3"
)

// DefaultSlabSize is the SlabSize used when none is provided via CreateOptions. It is equal to 64Kb.
const DefaultSlabSize int = 64 * 1024

// CreateOptions contains optional settings when creating an Arena. The zero value is a usable
// configuration.
type CreateOptions struct {
	// Flags indicates specific arena behaviors to activate or deactivate
	Flags CreateFlags `yaml:"flags,omitempty"`
	// SlabSize is the size in bytes of each slab the arena creates. It must be a multiple of
	// memutils.WordSize. 0 means DefaultSlabSize.
	SlabSize int `yaml:"slab_size,omitempty"`
	// Algorithm selects how reservations are placed within each slab
	Algorithm Algorithm `yaml:"algorithm,omitempty"`
	// Strategy selects among free regions when placing a reservation. It is ignored by
	// AlgorithmLinear.
	Strategy Strategy `yaml:"strategy,omitempty"`
	// MaxSlabs is the largest number of slabs the arena will hold at once. Reservations that need
	// another slab beyond it fail with memutils.ErrOutOfMemory. 0 means no limit.
	MaxSlabs int `yaml:"max_slabs,omitempty"`
}

// ParseCreateOptions reads CreateOptions from a YAML document, such as a section of a runtime's
// configuration file. Unknown keys are rejected. An empty document produces the default options.
func ParseCreateOptions(data []byte) (CreateOptions, error) {
	var options CreateOptions

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	err := decoder.Decode(&options)
	if err != nil && !errors.Is(err, io.EOF) {
		return CreateOptions{}, errors.Wrap(err, "failed to parse arena options")
	}

	err = options.validate()
	if err != nil {
		return CreateOptions{}, err
	}

	return options, nil
}

func (o *CreateOptions) validate() error {
	if o.SlabSize < 0 {
		return errors.Newf("invalid slab size %d", o.SlabSize)
	}

	if !memutils.IsAligned(o.SlabSize, memutils.WordSize) {
		return errors.Newf("slab size %d is not a multiple of %d", o.SlabSize, memutils.WordSize)
	}

	if o.MaxSlabs < 0 {
		return errors.Newf("invalid maximum slab count %d", o.MaxSlabs)
	}

	if _, ok := algorithmMapping[o.Algorithm]; !ok {
		return errors.Newf("unknown slab algorithm %s", o.Algorithm)
	}

	if _, ok := strategyMapping[o.Strategy]; !ok {
		return errors.Newf("unknown reservation strategy %s", o.Strategy)
	}

	return nil
}

func (o CreateOptions) withDefaults() CreateOptions {
	if o.SlabSize == 0 {
		o.SlabSize = DefaultSlabSize
	}

	return o
}
