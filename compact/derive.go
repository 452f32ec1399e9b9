package compact

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/compactmem/memutils"
)

var relocatableType = reflect.TypeFor[Relocatable]()

// Derive builds the Layout of the struct type S from its declared fields. Fields whose pointer
// type implements Relocatable are relocated, in declaration order. Every other field must be
// plain data, or an error wrapping memutils.ErrNotPlain is returned.
func Derive[S any]() (*Layout[S], error) {
	structType := reflect.TypeFor[S]()
	if structType.Kind() != reflect.Struct {
		return nil, errors.Newf("cannot derive a layout for %s, which is not a struct", structType)
	}

	fields := make([]Field[S], 0, structType.NumField())
	for i := 0; i < structType.NumField(); i++ {
		structField := structType.Field(i)

		if reflect.PointerTo(structField.Type).Implements(relocatableType) {
			fields = append(fields, reflectedField[S](structField))
			continue
		}

		if !memutils.IsPlain(structField.Type) {
			return nil, errors.Wrapf(memutils.ErrNotPlain, "field %s of %s has type %s, which is neither relocatable nor plain", structField.Name, structType, structField.Type)
		}

		fields = append(fields, Field[S]{name: structField.Name})
	}

	return NewLayout[S](fields...)
}

// MustDerive is Derive for package-level variables: it panics instead of returning an error
func MustDerive[S any]() *Layout[S] {
	layout, err := Derive[S]()
	if err != nil {
		panic(fmt.Sprintf("failed to derive layout: %+v", err))
	}

	return layout
}

func reflectedField[S any](structField reflect.StructField) Field[S] {
	offset := structField.Offset
	fieldType := structField.Type

	return Field[S]{
		name: structField.Name,
		addr: func(s *S) unsafe.Pointer {
			return unsafe.Add(unsafe.Pointer(s), offset)
		},
		as: func(field unsafe.Pointer) Relocatable {
			return reflect.NewAt(fieldType, field).Interface().(Relocatable)
		},
	}
}
