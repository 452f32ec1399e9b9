package records

import "github.com/vkngwrapper/compactmem/compact"

type Record struct {
	ID     uint32
	Names  compact.HeapVec[uint16]
	Weight float64
	Costs  compact.HeapVec[uint64]
}

type Header struct {
	Version [4]byte
	Size    int64
	Range   struct{ Start, End int32 }
}

type Tagged struct {
	Label compact.Plain[[8]byte]
	Count int
}

type Indexed struct {
	ID     int
	Lookup map[string]int
}

type Named struct {
	Name string
}

type Pair[T any] struct {
	First, Second T
}

type Count int
