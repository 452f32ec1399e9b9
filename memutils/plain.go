package memutils

import (
	"reflect"
	"sync"

	"github.com/cockroachdb/errors"
)

var plainTypes sync.Map

// IsPlain returns true if values of the provided type contain no pointers the garbage collector
// would need to see, so that they can be duplicated by a raw byte copy and stored in memory the
// collector does not scan.
func IsPlain(t reflect.Type) bool {
	if cached, ok := plainTypes.Load(t); ok {
		return cached.(bool)
	}

	plain := isPlain(t)
	plainTypes.Store(t, plain)
	return plain
}

func isPlain(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return t.Len() == 0 || isPlain(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !isPlain(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// CheckPlain returns ErrNotPlain if T is not plain data
func CheckPlain[T any]() error {
	t := reflect.TypeFor[T]()
	if !IsPlain(t) {
		return errors.Wrapf(ErrNotPlain, "%s contains pointers", t)
	}
	return nil
}
