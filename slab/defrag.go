package slab

import (
	"context"
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/compactmem/memutils"
	"github.com/vkngwrapper/compactmem/memutils/defrag"
	"golang.org/x/exp/slog"
)

// DefragmentOptions is used to specify options for a defragmentation run
type DefragmentOptions struct {
	// Algorithm is the defragmentation algorithm to use. 0 means defrag.AlgorithmFull.
	Algorithm defrag.Algorithm

	// MaxBytesPerPass is the maximum number of bytes to relocate in each pass. 0 means no limit.
	MaxBytesPerPass int
	// MaxReservationsPerPass is the maximum number of reservations to relocate in each pass. 0 means
	// no limit.
	MaxReservationsPerPass int
}

// DefragmentationContext represents a single defragmentation run over an Arena. The run consists
// of passes, each of which moves a budgeted number of reservations to earlier slabs or lower
// offsets. Reservations are moved as raw bytes: packed values keep working because their embedded
// tails are addressed relative to their headers.
//
// Pinned reservations are never moved. The slabs holding them are treated as immovable for the
// rest of the run.
type DefragmentationContext struct {
	MaxPassBytes       int
	MaxPassAllocations int

	arena   *Arena
	context defrag.MetadataDefragContext[Reservation]
	pass    defrag.PassContext
	stats   defrag.DefragmentationStats
}

// BeginDefragmentation starts a defragmentation run. Slabs are sorted so the fullest come first,
// and stay in place aside from defragmentation until Finish is called. Arenas using
// AlgorithmLinear cannot be defragmented.
func (a *Arena) BeginDefragmentation(options DefragmentOptions) (*DefragmentationContext, error) {
	a.logger.Debug("Arena::BeginDefragmentation")

	c := &DefragmentationContext{
		MaxPassBytes:       options.MaxBytesPerPass,
		MaxPassAllocations: options.MaxReservationsPerPass,
		arena:              a,
	}

	if c.MaxPassBytes == 0 {
		c.MaxPassBytes = math.MaxInt
	}

	if c.MaxPassAllocations == 0 {
		c.MaxPassAllocations = math.MaxInt
	}

	c.context.Algorithm = options.Algorithm
	c.context.BlockList = a
	c.context.Handler = c.completePassForMove

	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := c.context.Init()
	if err != nil {
		return nil, err
	}

	a.incrementalSort = false
	a.sortByFreeSize()

	return c, nil
}

// BeginDefragPass collects the relocations of a single pass and returns them. Before calling
// EndDefragPass, the caller may set a move's MoveOperation to defrag.DefragmentationMoveIgnore to
// keep its reservation in place, or to defrag.DefragmentationMoveDestroy to free it instead.
func (c *DefragmentationContext) BeginDefragPass() []defrag.DefragmentationMove[Reservation] {
	c.arena.logger.Debug("DefragmentationContext::BeginDefragPass")

	c.pass = defrag.PassContext{
		MaxPassBytes:       c.MaxPassBytes,
		MaxPassAllocations: c.MaxPassAllocations,
	}

	c.context.BlockListCollectMoves(&c.pass)
	return c.context.Moves()
}

// EndDefragPass completes the relocations collected in BeginDefragPass: each reservation's bytes
// are copied to their new location and the old location is freed. It returns true if the run has
// ended, or false if additional passes are necessary.
func (c *DefragmentationContext) EndDefragPass() (bool, error) {
	c.arena.logger.Debug("DefragmentationContext::EndDefragPass")

	moves := c.context.Moves()
	if len(moves) == 0 {
		return true, nil
	}

	c.arena.mutex.RLock()
	for index := range moves {
		if moves[index].MoveOperation != defrag.DefragmentationMoveIgnore && moves[index].SrcAllocation.IsPinned() {
			moves[index].MoveOperation = defrag.DefragmentationMoveIgnore
		}
	}
	c.arena.mutex.RUnlock()

	err := c.context.BlockListCompletePass(&c.pass)
	c.stats.Add(c.pass.Stats)

	return false, err
}

// Finish ends the run, writing its statistics to outStats if it is not nil
func (c *DefragmentationContext) Finish(outStats *defrag.DefragmentationStats) {
	c.arena.logger.LogAttrs(context.Background(), slog.LevelDebug, "DefragmentationContext::Finish",
		slog.Int("BytesMoved", c.stats.BytesMoved),
		slog.Int("AllocationsMoved", c.stats.AllocationsMoved),
		slog.Int("BlocksFreed", c.stats.BlocksFreed),
	)

	if outStats != nil {
		*outStats = c.stats
	}

	c.arena.mutex.Lock()
	defer c.arena.mutex.Unlock()

	c.arena.incrementalSort = true
}

func (c *DefragmentationContext) completePassForMove(move defrag.DefragmentationMove[Reservation]) error {
	a := c.arena

	a.mutex.Lock()
	defer a.mutex.Unlock()

	src := move.SrcAllocation
	dst := move.DstTmpAllocation

	switch move.MoveOperation {
	case defrag.DefragmentationMoveCopy:
		memutils.Copy(dst.pointer(), src.pointer(), src.size)

		err := dst.slab.metadata.SetAllocationUserData(dst.handle, src)
		if err != nil {
			a.freeLocation(dst.location)
			return errors.Wrapf(err, "failed to hand reservation %d its new location", src.id)
		}

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Moved reservation",
			slog.Any("reservation.id", src.id),
			slog.Int("from.slab.id", src.slab.id),
			slog.Int("from.offset", src.offset),
			slog.Int("to.slab.id", dst.slab.id),
			slog.Int("to.offset", dst.offset),
		)

		previous := src.location
		src.location = dst.location
		a.freeLocation(previous)
		return nil

	case defrag.DefragmentationMoveDestroy:
		err := a.free(src)
		if err != nil {
			panic(fmt.Sprintf("failed to free source reservation on Destroy move: %+v", err))
		}
	}

	a.freeLocation(dst.location)
	return nil
}

// Defragment runs defragmentation passes until no reservation can be moved any further, and
// returns the statistics of the run
func (a *Arena) Defragment(options DefragmentOptions) (defrag.DefragmentationStats, error) {
	var stats defrag.DefragmentationStats

	c, err := a.BeginDefragmentation(options)
	if err != nil {
		return stats, err
	}

	for {
		c.BeginDefragPass()

		done, err := c.EndDefragPass()
		if err != nil {
			c.Finish(&stats)
			return stats, err
		}

		if done {
			break
		}
	}

	c.Finish(&stats)
	return stats, nil
}
