package defrag_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/compactmem/memutils"
	"github.com/vkngwrapper/compactmem/memutils/defrag"
	mock_defrag "github.com/vkngwrapper/compactmem/memutils/defrag/mocks"
	"github.com/vkngwrapper/compactmem/memutils/metadata"
	mock_metadata "github.com/vkngwrapper/compactmem/memutils/metadata/mocks"
	"go.uber.org/mock/gomock"
)

func TestSimpleCompletePass(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockList := mock_defrag.NewMockBlockList[metadata.BlockAllocationHandle](ctrl)
	mockList.EXPECT().BlockCount().AnyTimes().Return(2)
	mockList.EXPECT().AddStatistics(gomock.Any()).DoAndReturn(func(stats *memutils.Statistics) {
		stats.BlockBytes = 200
		stats.BlockCount = 2
	})
	mockList.EXPECT().AddStatistics(gomock.Any()).DoAndReturn(func(stats *memutils.Statistics) {
		stats.BlockBytes = 100
		stats.BlockCount = 1
	})

	block1 := mock_metadata.NewMockBlockMetadata(ctrl)
	block2 := mock_metadata.NewMockBlockMetadata(ctrl)

	alloc1 := metadata.BlockAllocationHandle(1)
	alloc2 := metadata.BlockAllocationHandle(2)

	context := defrag.DefragContextWithMoves[metadata.BlockAllocationHandle](
		[]defrag.DefragmentationMove[metadata.BlockAllocationHandle]{
			{
				Size:             100,
				SrcBlockMetadata: block1,
				SrcAllocation:    &alloc1,
				DstBlockMetadata: block2,
				DstTmpAllocation: &alloc2,
			},
		},
	)
	context.BlockList = mockList
	context.Handler = func(move defrag.DefragmentationMove[metadata.BlockAllocationHandle]) error {
		return nil
	}

	var pass defrag.PassContext
	pass.Stats = defrag.DefragmentationStats{
		AllocationsMoved: 1,
		BytesMoved:       100,
	}

	err := context.BlockListCompletePass(&pass)
	require.NoError(t, err)
	require.Equal(t, defrag.DefragmentationStats{
		AllocationsMoved: 1,
		BytesMoved:       100,
		BytesFreed:       100,
		BlocksFreed:      1,
	}, pass.Stats)
}

func TestDestroyAllocCompletePass(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockList := mock_defrag.NewMockBlockList[metadata.BlockAllocationHandle](ctrl)
	mockList.EXPECT().BlockCount().AnyTimes().Return(3)
	mockList.EXPECT().AddStatistics(gomock.Any()).DoAndReturn(func(stats *memutils.Statistics) {
		stats.BlockBytes = 200
		stats.BlockCount = 2
	})
	mockList.EXPECT().AddStatistics(gomock.Any()).DoAndReturn(func(stats *memutils.Statistics) {
		stats.BlockBytes = 0
		stats.BlockCount = 0
	})

	block1 := mock_metadata.NewMockBlockMetadata(ctrl)
	block3 := mock_metadata.NewMockBlockMetadata(ctrl)

	alloc1 := metadata.BlockAllocationHandle(1)
	alloc2 := metadata.BlockAllocationHandle(2)

	context := defrag.DefragContextWithMoves[metadata.BlockAllocationHandle](
		[]defrag.DefragmentationMove[metadata.BlockAllocationHandle]{
			{
				Size:             100,
				SrcBlockMetadata: block3,
				SrcAllocation:    &alloc2,
				DstBlockMetadata: block1,
				DstTmpAllocation: &alloc1,
			},
		},
	)
	context.Moves()[0].MoveOperation = defrag.DefragmentationMoveDestroy
	context.BlockList = mockList
	context.Handler = func(move defrag.DefragmentationMove[metadata.BlockAllocationHandle]) error {
		return nil
	}

	var pass defrag.PassContext
	pass.Stats = defrag.DefragmentationStats{
		AllocationsMoved: 1,
		BytesMoved:       100,
	}

	err := context.BlockListCompletePass(&pass)
	require.NoError(t, err)
	require.Equal(t, defrag.DefragmentationStats{
		AllocationsMoved: 0,
		BytesMoved:       0,
		BytesFreed:       200,
		BlocksFreed:      2,
	}, pass.Stats)
}

func TestIgnoreAllocCompletePass(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockList := mock_defrag.NewMockBlockList[metadata.BlockAllocationHandle](ctrl)
	mockList.EXPECT().BlockCount().AnyTimes().Return(3)
	mockList.EXPECT().AddStatistics(gomock.Any()).DoAndReturn(func(stats *memutils.Statistics) {
		stats.BlockBytes = 200
		stats.BlockCount = 2
	})
	mockList.EXPECT().AddStatistics(gomock.Any()).DoAndReturn(func(stats *memutils.Statistics) {
		stats.BlockBytes = 100
		stats.BlockCount = 1
	})

	block1 := mock_metadata.NewMockBlockMetadata(ctrl)
	block2 := mock_metadata.NewMockBlockMetadata(ctrl)
	block3 := mock_metadata.NewMockBlockMetadata(ctrl)

	alloc1 := metadata.BlockAllocationHandle(1)
	alloc2 := metadata.BlockAllocationHandle(2)

	mockList.EXPECT().Lock()
	mockList.EXPECT().Unlock()
	mockList.EXPECT().MetadataForBlock(0).Return(block1)
	mockList.EXPECT().MetadataForBlock(1).Return(block2)
	mockList.EXPECT().MetadataForBlock(2).Return(block3)
	mockList.EXPECT().SwapBlocks(2, 0)

	context := defrag.DefragContextWithMoves[metadata.BlockAllocationHandle](
		[]defrag.DefragmentationMove[metadata.BlockAllocationHandle]{
			{
				Size:             100,
				SrcBlockMetadata: block3,
				SrcAllocation:    &alloc2,
				DstBlockMetadata: block1,
				DstTmpAllocation: &alloc1,
			},
		},
	)
	context.Moves()[0].MoveOperation = defrag.DefragmentationMoveIgnore
	context.BlockList = mockList
	context.Handler = func(move defrag.DefragmentationMove[metadata.BlockAllocationHandle]) error {
		return nil
	}

	var pass defrag.PassContext
	pass.Stats = defrag.DefragmentationStats{
		AllocationsMoved: 1,
		BytesMoved:       100,
	}

	err := context.BlockListCompletePass(&pass)
	require.NoError(t, err)
	require.Equal(t, defrag.DefragmentationStats{
		AllocationsMoved: 0,
		BytesMoved:       0,
		BytesFreed:       100,
		BlocksFreed:      1,
	}, pass.Stats)
}

func TestHandlerErrorsAreCombined(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockList := mock_defrag.NewMockBlockList[metadata.BlockAllocationHandle](ctrl)
	mockList.EXPECT().AddStatistics(gomock.Any()).Times(2)

	block1 := mock_metadata.NewMockBlockMetadata(ctrl)
	block2 := mock_metadata.NewMockBlockMetadata(ctrl)

	alloc1 := metadata.BlockAllocationHandle(1)
	alloc2 := metadata.BlockAllocationHandle(2)
	alloc3 := metadata.BlockAllocationHandle(3)

	context := defrag.DefragContextWithMoves[metadata.BlockAllocationHandle](
		[]defrag.DefragmentationMove[metadata.BlockAllocationHandle]{
			{Size: 10, SrcBlockMetadata: block2, SrcAllocation: &alloc1, DstBlockMetadata: block1, DstTmpAllocation: &alloc3},
			{Size: 10, SrcBlockMetadata: block2, SrcAllocation: &alloc2, DstBlockMetadata: block1, DstTmpAllocation: &alloc3},
		},
	)
	context.BlockList = mockList

	errFirst := errors.New("first")
	errSecond := errors.New("second")
	context.Handler = func(move defrag.DefragmentationMove[metadata.BlockAllocationHandle]) error {
		if *move.SrcAllocation == alloc1 {
			return errFirst
		}
		return errSecond
	}

	var pass defrag.PassContext
	err := context.BlockListCompletePass(&pass)
	require.ErrorIs(t, err, errFirst)
	require.ErrorIs(t, err, errSecond)
	require.Empty(t, context.Moves())
}
