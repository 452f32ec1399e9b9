package compact

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/compactmem/memutils"
)

// Field describes one field of the aggregate type S to a Layout
type Field[S any] struct {
	name  string
	check func() error

	// Only set for relocatable fields
	addr func(s *S) unsafe.Pointer
	as   func(field unsafe.Pointer) Relocatable
}

// Name returns the field's name
func (f Field[S]) Name() string { return f.name }

// IsRelocatable returns true if the field has a dynamic tail of its own
func (f Field[S]) IsRelocatable() bool { return f.addr != nil }

// FieldOf describes a relocatable field of S. get must return the address of the field within
// the provided S.
func FieldOf[S any, F any, PF interface {
	*F
	Relocatable
}](name string, get func(s *S) *F) Field[S] {
	return Field[S]{
		name: name,
		addr: func(s *S) unsafe.Pointer {
			return unsafe.Pointer(get(s))
		},
		as: func(field unsafe.Pointer) Relocatable {
			return PF((*F)(field))
		},
	}
}

// PlainField describes a pointer-free field of S. Plain fields are relocated along with the
// aggregate's header, get is only used to identify the field's type.
func PlainField[S any, F any](name string, get func(s *S) *F) Field[S] {
	return Field[S]{
		name: name,
		check: func() error {
			return memutils.CheckPlain[F]()
		},
	}
}

// Layout implements the relocation contract for an aggregate type S by folding the contract of
// its relocatable fields, in declared order. The dynamic tail of S is the concatenation of the
// fields' tails, in the same order.
//
// Types use a Layout by forwarding their own Compact methods to it.
type Layout[S any] struct {
	fields      []Field[S]
	relocatable []Field[S]
}

// NewLayout builds a Layout from fields listed in declaration order
func NewLayout[S any](fields ...Field[S]) (*Layout[S], error) {
	layout := &Layout[S]{}
	names := make(map[string]struct{}, len(fields))

	for _, field := range fields {
		if _, duplicate := names[field.name]; duplicate {
			return nil, errors.Newf("field %s of %T was listed more than once", field.name, *new(S))
		}
		names[field.name] = struct{}{}

		if field.check != nil {
			err := field.check()
			if err != nil {
				return nil, errors.Wrapf(err, "field %s of %T", field.name, *new(S))
			}
		}

		layout.fields = append(layout.fields, field)
		if field.IsRelocatable() {
			layout.relocatable = append(layout.relocatable, field)
		}
	}

	return layout, nil
}

// MustLayout is NewLayout for package-level variables: it panics instead of returning an error
func MustLayout[S any](fields ...Field[S]) *Layout[S] {
	layout, err := NewLayout[S](fields...)
	if err != nil {
		panic(fmt.Sprintf("invalid layout: %+v", err))
	}

	return layout
}

// Fields returns the fields of the layout in declaration order
func (l *Layout[S]) Fields() []Field[S] {
	return l.fields
}

// IsStillCompact returns true if every relocatable field of s is compact
func (l *Layout[S]) IsStillCompact(s *S) bool {
	for _, field := range l.relocatable {
		if !field.as(field.addr(s)).IsStillCompact() {
			return false
		}
	}

	return true
}

// DynamicSizeBytes returns the sum of the dynamic sizes of s's relocatable fields
func (l *Layout[S]) DynamicSizeBytes(s *S) int {
	var size int
	for _, field := range l.relocatable {
		size += field.as(field.addr(s)).DynamicSizeBytes()
	}

	return size
}

// CompactFrom relocates source into dst. The header of source is copied as-is, then each
// relocatable field is compacted from source's field, its tail placed at dynamic plus the
// sizes of the tails of the fields before it. The sizes are read from source.
func (l *Layout[S]) CompactFrom(dst *S, source *S, dynamic unsafe.Pointer) {
	if dst != source {
		memutils.Copy(unsafe.Pointer(dst), unsafe.Pointer(source), int(unsafe.Sizeof(*source)))
	}

	var offset int
	for _, field := range l.relocatable {
		sourceField := field.addr(source)
		size := field.as(sourceField).DynamicSizeBytes()

		field.as(field.addr(dst)).CompactFromPointer(sourceField, unsafe.Add(dynamic, offset))
		offset += size
	}
}

// Release releases the free storage of every relocatable field of s that owns any
func (l *Layout[S]) Release(s *S) error {
	var allErrors []error
	for _, field := range l.relocatable {
		releaser, ok := field.as(field.addr(s)).(Releaser)
		if !ok {
			continue
		}

		err := releaser.Release()
		if err != nil {
			allErrors = append(allErrors, errors.Wrapf(err, "failed to release field %s", field.name))
		}
	}

	if len(allErrors) == 0 {
		return nil
	}

	return errors.Join(allErrors...)
}

// VisitStorage reports the dynamic storage of every relocatable field of s that can report it
func (l *Layout[S]) VisitStorage(s *S, visit func(ptr unsafe.Pointer, size int)) {
	for _, field := range l.relocatable {
		if visitor, ok := field.as(field.addr(s)).(StorageVisitor); ok {
			visitor.VisitStorage(visit)
		}
	}
}
