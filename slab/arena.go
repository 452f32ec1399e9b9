package slab

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/compactmem/internal/utils"
	"github.com/vkngwrapper/compactmem/memutils"
	"github.com/vkngwrapper/compactmem/memutils/defrag"
	"github.com/vkngwrapper/compactmem/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Arena is an ordered list of slabs, created on demand, that reservations are made from. Packed
// values live in an arena's reservations; see Pack.
//
// An Arena is safe for concurrent use unless it was created with CreateExternallySynchronized.
type Arena struct {
	logger  *slog.Logger
	options CreateOptions

	mutex             utils.OptionalRWMutex
	slabs             []*Slab
	nextSlabID        int
	nextReservationID uint64
	reservations      *swiss.Map[uint64, *Reservation]
	incrementalSort   bool
}

var _ defrag.BlockList[Reservation] = &Arena{}

// NewArena creates an empty arena. No slab is created until the first reservation. A nil logger
// discards everything.
func NewArena(logger *slog.Logger, options CreateOptions) (*Arena, error) {
	err := options.validate()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	options = options.withDefaults()
	logger.LogAttrs(context.Background(), slog.LevelDebug, "Arena::NewArena",
		slog.Int("SlabSize", options.SlabSize),
		slog.String("Algorithm", options.Algorithm.String()),
		slog.String("Strategy", options.Strategy.String()),
		slog.String("Flags", options.Flags.String()),
	)

	return &Arena{
		logger:  logger,
		options: options,
		mutex: utils.OptionalRWMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
			Mutex:    sync.RWMutex{},
		},
		reservations:    swiss.NewMap[uint64, *Reservation](64),
		incrementalSort: true,
	}, nil
}

// Options returns the options the arena was created with, defaults filled in
func (a *Arena) Options() CreateOptions { return a.options }

// SlabCount returns the number of slabs the arena currently holds
func (a *Arena) SlabCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return len(a.slabs)
}

// ReservationCount returns the number of live reservations in the arena
func (a *Arena) ReservationCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.reservations.Count()
}

// Reserve reserves size bytes aligned to alignment. Reservations larger than the slab size fail
// with memutils.ErrOutOfMemory unless the arena was created with CreateOversizedSlabs.
func (a *Arena) Reserve(size int, alignment uint) (*Reservation, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.reserve(size, alignment)
}

// Pointer returns the current address of a live reservation. The address is only valid until the
// next defragmentation pass, and should not be retained past it.
func (a *Arena) Pointer(reservation *Reservation) unsafe.Pointer {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.mustBeLive(reservation)
	return reservation.pointer()
}

// Bytes returns the contents of a live reservation. Like Pointer, the slice is only valid until
// the next defragmentation pass.
func (a *Arena) Bytes(reservation *Reservation) []byte {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.mustBeLive(reservation)
	return memutils.Bytes(reservation.pointer(), reservation.size)
}

// Pin prevents defragmentation from moving a reservation until a matching call to Unpin.
// Pins nest.
func (a *Arena) Pin(reservation *Reservation) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.mustBeLive(reservation)
	reservation.pins++
}

// Unpin releases a pin taken with Pin
func (a *Arena) Unpin(reservation *Reservation) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if reservation.pins == 0 {
		panic(fmt.Sprintf("attempted to unpin reservation %d, which is not pinned", reservation.id))
	}
	reservation.pins--
}

// Free releases a reservation, along with any memory the value packed into it owns outside the
// arena. Freeing a reservation that is not live returns ErrUnknownReservation, freeing a pinned
// one returns ErrPinned.
func (a *Arena) Free(reservation *Reservation) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.free(reservation)
}

func (a *Arena) mustBeLive(reservation *Reservation) {
	if !reservation.isLive() {
		panic(fmt.Sprintf("attempted to use reservation %d after it was freed", reservation.id))
	}
}

func (a *Arena) reserve(size int, alignment uint) (*Reservation, error) {
	a.nextReservationID++
	reservation := &Reservation{
		id:        a.nextReservationID,
		alignment: alignment,
	}

	loc, err := a.reserveLocation(size, alignment, reservation)
	if err != nil {
		return nil, err
	}

	reservation.location = loc
	a.reservations.Put(reservation.id, reservation)
	return reservation, nil
}

func (a *Arena) free(reservation *Reservation) error {
	live, ok := a.reservations.Get(reservation.id)
	if !ok || live != reservation {
		return errors.Wrapf(ErrUnknownReservation, "reservation %d", reservation.id)
	}

	if reservation.pins > 0 {
		return errors.Wrapf(ErrPinned, "cannot free reservation %d", reservation.id)
	}

	err := reservation.releaseValue()
	if err != nil {
		return errors.Wrapf(err, "failed to release the value in reservation %d", reservation.id)
	}

	a.freeLocation(reservation.location)
	a.reservations.Delete(reservation.id)
	reservation.location = location{}
	return nil
}

// reserveLocation finds room for size bytes in an existing slab, creating a new one if none has
// room. userData is stored with the reserved bytes.
func (a *Arena) reserveLocation(size int, alignment uint, userData any) (location, error) {
	if size < 1 {
		size = 1
	}

	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return location{}, err
	}

	if alignment > memutils.WordSize {
		return location{}, errors.Newf("slabs are only aligned to %d bytes, but %d were requested", memutils.WordSize, alignment)
	}

	for _, slab := range a.slabs {
		handle, offset, err := slab.Reserve(size, alignment, userData)
		if errors.Is(err, memutils.ErrOutOfMemory) {
			continue
		} else if err != nil {
			return location{}, err
		}

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Reserved in existing slab",
			slog.Int("slab.id", slab.id),
			slog.Int("offset", offset),
			slog.Int("size", size),
		)
		return location{slab: slab, handle: handle, offset: offset, size: size}, nil
	}

	slabSize := a.options.SlabSize
	needed := memutils.AlignUp(size+memutils.DebugMargin, memutils.WordSize)
	if needed > slabSize {
		if a.options.Flags&CreateOversizedSlabs == 0 {
			return location{}, errors.Wrapf(memutils.ErrOutOfMemory, "a reservation of %d bytes does not fit in slabs of %d bytes", size, slabSize)
		}
		slabSize = needed
	}

	if a.options.MaxSlabs > 0 && len(a.slabs) >= a.options.MaxSlabs {
		return location{}, errors.Wrapf(memutils.ErrOutOfMemory, "the arena already holds its maximum of %d slabs", a.options.MaxSlabs)
	}

	slab := a.createSlab(slabSize)
	handle, offset, err := slab.Reserve(size, alignment, userData)
	if err != nil {
		return location{}, err
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new slab",
		slog.Int("slab.id", slab.id),
		slog.Int("size", slabSize),
	)
	return location{slab: slab, handle: handle, offset: offset, size: size}, nil
}

func (a *Arena) createSlab(size int) *Slab {
	slab := newSlab(a.logger, a.nextSlabID, size, a.options.Algorithm, a.options.Strategy)
	a.nextSlabID++
	a.slabs = append(a.slabs, slab)
	return slab
}

func (a *Arena) freeLocation(loc location) {
	err := loc.slab.Release(loc.handle, loc.size)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing reservation with handle %d in slab %d: %+v", loc.handle, loc.slab.id, err))
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from slab", slog.Int("slab.id", loc.slab.id))

	a.releaseEmptySlabs()
	a.incrementallySortSlabs()
}

// releaseEmptySlabs destroys empty slabs beyond the one kept for reuse, starting at the end of
// the list
func (a *Arena) releaseEmptySlabs() {
	keep := 1
	if a.options.Flags&CreateReleaseEmptySlabs != 0 {
		keep = 0
	}

	empty := 0
	for _, slab := range a.slabs {
		if slab.IsEmpty() {
			empty++
		}
	}

	for slabIndex := len(a.slabs) - 1; slabIndex >= 0 && empty > keep; slabIndex-- {
		slab := a.slabs[slabIndex]
		if !slab.IsEmpty() {
			continue
		}

		a.removeSlab(slabIndex)
		empty--
	}
}

func (a *Arena) removeSlab(slabIndex int) {
	slab := a.slabs[slabIndex]
	a.slabs = append(a.slabs[:slabIndex], a.slabs[slabIndex+1:]...)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty slab", slog.Int("slab.id", slab.id))
	err := slab.Destroy()
	if err != nil {
		panic(fmt.Sprintf("unexpected failure when destroying a slab in response to freeing a reservation: %+v", err))
	}
}

// incrementallySortSlabs takes one step toward keeping the fullest slabs at the front of the list
func (a *Arena) incrementallySortSlabs() {
	if !a.incrementalSort || a.options.Algorithm == AlgorithmLinear {
		return
	}

	for slabIndex := 1; slabIndex < len(a.slabs); slabIndex++ {
		if a.slabs[slabIndex-1].metadata.SumFreeSize() > a.slabs[slabIndex].metadata.SumFreeSize() {
			a.slabs[slabIndex-1], a.slabs[slabIndex] = a.slabs[slabIndex], a.slabs[slabIndex-1]
			return
		}
	}
}

func (a *Arena) sortByFreeSize() {
	sort.SliceStable(a.slabs, func(i, j int) bool {
		return a.slabs[i].metadata.SumFreeSize() < a.slabs[j].metadata.SumFreeSize()
	})
}

// Statistics sums up the slabs and reservations of the arena
func (a *Arena) Statistics() memutils.Statistics {
	var stats memutils.Statistics
	a.AddStatistics(&stats)
	return stats
}

// DetailedStatistics sums up the slabs, reservations and free ranges of the arena
func (a *Arena) DetailedStatistics() memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for _, slab := range a.slabs {
		slab.metadata.AddDetailedStatistics(&stats)
	}

	return stats
}

// AddStatistics sums the arena's statistics into stats
func (a *Arena) AddStatistics(stats *memutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for slabIndex, slab := range a.slabs {
		if slab == nil {
			panic(fmt.Sprintf("failed to take statistics of nil slab at index %d", slabIndex))
		}
		slab.metadata.AddStatistics(stats)
	}
}

// PrintDetailedMap writes a JSON object describing every slab in the arena and each region within
// it
func (a *Arena) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	stats := memutils.Statistics{}
	for _, slab := range a.slabs {
		slab.metadata.AddStatistics(&stats)
	}

	totalObj := objState.Name("Total").Object()
	stats.PrintJson(totalObj)
	totalObj.End()

	slabsObj := objState.Name("Slabs").Object()
	defer slabsObj.End()

	for _, slab := range a.slabs {
		slabObj := slabsObj.Name(strconv.Itoa(slab.id)).Object()

		slab.metadata.BlockJsonData(slabObj)
		a.printDetailedMapReservations(slab.metadata, slabObj)

		slabObj.End()
	}
}

func (a *Arena) printDetailedMapReservations(md metadata.BlockMetadata, json jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			obj.Name("Size").Int(size)

			if free {
				obj.Name("Type").String("Free")
				return nil
			}

			obj.Name("Type").String("Reservation")

			reservation, isReservation := userData.(*Reservation)
			if isReservation && reservation != nil {
				obj.Name("ID").Int(int(reservation.id))
				obj.Name("Pinned").Bool(reservation.IsPinned())
			} else if userData != nil {
				obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
			}

			return nil
		})
}

// Validate checks the consistency of every slab and that every live reservation is accounted for
func (a *Arena) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	allocationCount := 0
	slabs := make(map[*Slab]struct{}, len(a.slabs))
	for _, slab := range a.slabs {
		err := slab.Validate()
		if err != nil {
			return errors.Wrapf(err, "slab %d", slab.id)
		}

		allocationCount += slab.metadata.AllocationCount()
		slabs[slab] = struct{}{}
	}

	if allocationCount != a.reservations.Count() {
		return errors.Newf("the arena's slabs hold %d reservations, but %d are live", allocationCount, a.reservations.Count())
	}

	var err error
	a.reservations.Iter(func(id uint64, reservation *Reservation) bool {
		if _, ok := slabs[reservation.slab]; !ok {
			err = errors.Newf("reservation %d lives in a slab that does not belong to the arena", id)
			return true
		}

		return false
	})

	return err
}

// CheckCorruption verifies the guard markers behind every reservation. It returns
// ErrCorruptionDetectionDisabled unless the module is built with the debug_compactmem tag.
func (a *Arena) CheckCorruption() error {
	if memutils.DebugMargin == 0 {
		return ErrCorruptionDetectionDisabled
	}

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for _, slab := range a.slabs {
		err := slab.CheckCorruption()
		if err != nil {
			return errors.Wrapf(err, "slab %d", slab.id)
		}
	}

	return nil
}

// Destroy drops every slab of the arena. Live reservations are logged, and an error is returned
// without destroying the slab that holds them.
func (a *Arena) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Arena::Destroy")

	for len(a.slabs) > 0 {
		err := a.slabs[0].Destroy()
		if err != nil {
			return err
		}
		a.slabs = a.slabs[1:]
	}

	a.slabs = nil
	return nil
}
