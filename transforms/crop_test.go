// Copyright 2026 The pixelsets Authors. SPDX-License-Identifier: Apache-2.0

package transforms

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cropFixture builds a batch whose values encode their own position,
// code = b*10000 + y*100 + x, with image channel c offset by c/2.
func cropFixture(batchSize, height, width, channels int) (*tensors.Tensor, *tensors.Tensor) {
	images := make([]float32, batchSize*height*width*channels)
	labels := make([]int32, batchSize*height*width)
	for b := 0; b < batchSize; b++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				code := b*10000 + y*100 + x
				labels[(b*height+y)*width+x] = int32(code)
				for c := 0; c < channels; c++ {
					images[((b*height+y)*width+x)*channels+c] = float32(code) + float32(c)*0.5
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(images, batchSize, height, width, channels),
		tensors.FromFlatDataAndDimensions(labels, batchSize, height, width)
}

func TestRandomCropWindows(t *testing.T) {
	const (
		batchSize = 3
		height    = 7
		width     = 9
		channels  = 2
		size      = 4
	)
	images, labels := cropFixture(batchSize, height, width, channels)

	cropImages, cropLabels, err := RandomCrop(rand.New(rand.NewSource(42)), images, labels, size)
	require.NoError(t, err)
	require.NoError(t, cropImages.Shape().Check(dtypes.Float32, batchSize, size, size, channels))
	require.NoError(t, cropLabels.Shape().Check(dtypes.Int32, batchSize, size, size))

	// Replay the offset draws: one per axis with slack, pair by pair.
	replay := rand.New(rand.NewSource(42))
	offY := make([]int, batchSize)
	offX := make([]int, batchSize)
	for b := 0; b < batchSize; b++ {
		offY[b] = replay.Intn(height - size)
		offX[b] = replay.Intn(width - size)
	}

	imgFlat := tensors.MustCopyFlatData[float32](cropImages)
	lblFlat := tensors.MustCopyFlatData[int32](cropLabels)
	for b := 0; b < batchSize; b++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				code := b*10000 + (y+offY[b])*100 + (x + offX[b])
				assert.Equal(t, int32(code), lblFlat[(b*size+y)*size+x])
				for c := 0; c < channels; c++ {
					assert.Equal(t, float32(code)+float32(c)*0.5,
						imgFlat[((b*size+y)*size+x)*channels+c])
				}
			}
		}
	}
}

func TestRandomCropFullSize(t *testing.T) {
	// A crop of exactly the image dimensions has no slack: the output is a
	// copy of the input and no randomness is consumed.
	images, labels := cropFixture(2, 5, 5, 1)
	cropImages, cropLabels, err := RandomCrop(nil, images, labels, 5)
	require.NoError(t, err)
	assert.True(t, cropImages.Equal(images))
	assert.True(t, cropLabels.Equal(labels))
}

func TestRandomCropUint8(t *testing.T) {
	images := tensors.FromFlatDataAndDimensions([]uint8{
		0, 1, 2,
		10, 11, 12,
		20, 21, 22,
	}, 1, 3, 3, 1)
	labels := tensors.FromFlatDataAndDimensions(make([]int32, 9), 1, 3, 3)

	replay := rand.New(rand.NewSource(8))
	offY, offX := replay.Intn(1), replay.Intn(1)
	cropImages, _, err := RandomCrop(rand.New(rand.NewSource(8)), images, labels, 2)
	require.NoError(t, err)
	require.NoError(t, cropImages.Shape().Check(dtypes.Uint8, 1, 2, 2, 1))
	want := []uint8{
		uint8(10*offY + offX), uint8(10*offY + offX + 1),
		uint8(10*(offY+1) + offX), uint8(10*(offY+1) + offX + 1),
	}
	assert.Equal(t, want, tensors.MustCopyFlatData[uint8](cropImages))
}

func TestRandomCropDeterminism(t *testing.T) {
	images, labels := cropFixture(2, 8, 8, 1)
	aImages, aLabels, err := RandomCrop(rand.New(rand.NewSource(7)), images, labels, 3)
	require.NoError(t, err)
	bImages, bLabels, err := RandomCrop(rand.New(rand.NewSource(7)), images, labels, 3)
	require.NoError(t, err)
	assert.True(t, aImages.Equal(bImages))
	assert.True(t, aLabels.Equal(bLabels))
}

func TestRandomCropErrors(t *testing.T) {
	images, labels := cropFixture(2, 6, 6, 1)
	cases := []struct {
		name   string
		images *tensors.Tensor
		labels *tensors.Tensor
		size   int
		errMsg string
	}{
		{"zero size", images, labels, 0, "must be positive"},
		{"too big", images, labels, 7, "does not fit"},
		{"nil pair", nil, labels, 3, "must not be nil"},
		{"rank mismatch", images, tensors.FromFlatDataAndDimensions(make([]int32, 12), 2, 6), 3, "rank-3"},
		{"dims mismatch", images, tensors.FromFlatDataAndDimensions(make([]int32, 60), 2, 6, 5), 3, "differ on axis 2"},
		{"float labels", images, tensors.FromFlatDataAndDimensions(make([]float32, 72), 2, 6, 6), 3, "integer dtype"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := RandomCrop(rand.New(rand.NewSource(1)), c.images, c.labels, c.size)
			require.ErrorContains(t, err, c.errMsg)
		})
	}
}
