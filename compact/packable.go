package compact

import (
	"reflect"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/compactmem/memutils"
)

// storageOwner is implemented by the types in this package whose headers hold storage handles.
// Their handles keep free storage reachable through the allocator, so the headers may be stored in
// memory the garbage collector does not scan.
type storageOwner interface {
	ownsStorage()
}

var storageOwnerType = reflect.TypeFor[storageOwner]()

var packableTypes sync.Map

// CheckPackable returns an error wrapping memutils.ErrNotPlain if values of type T cannot be stored
// in memory that the garbage collector does not scan. T is packable when every field is plain data
// or a vector from this package.
func CheckPackable[T any]() error {
	t := reflect.TypeFor[T]()
	if cached, ok := packableTypes.Load(t); ok {
		if cached == nil {
			return nil
		}
		return cached.(error)
	}

	err := checkPackable(t, t.String())
	if err == nil {
		packableTypes.Store(t, nil)
	} else {
		packableTypes.Store(t, err)
	}

	return err
}

func checkPackable(t reflect.Type, path string) error {
	if reflect.PointerTo(t).Implements(storageOwnerType) {
		return nil
	}

	if memutils.IsPlain(t) {
		return nil
	}

	switch t.Kind() {
	case reflect.Array:
		return checkPackable(t.Elem(), path+"[]")
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			err := checkPackable(field.Type, path+"."+field.Name)
			if err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.Wrapf(memutils.ErrNotPlain, "%s has type %s", path, t)
	}
}
