// Copyright 2026 The pixelsets Authors. SPDX-License-Identifier: Apache-2.0

package sampling

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStratifiedSampleQuotasAndOrder(t *testing.T) {
	// Two 2x4 label maps over four classes; 16 pixels total across the
	// batch, so each class contributes exactly 4 picks, in class order.
	src := []int32{
		0, 0, 1, 1,
		2, 2, 3, 3,

		0, 1, 2, 3,
		3, 2, 1, 0,
	}
	batchLabels := tensors.FromFlatDataAndDimensions(src, 2, 2, 4)

	coords, pixelLabels, err := stratifiedSample(rand.New(rand.NewSource(42)), batchLabels, 4, 8)
	require.NoError(t, err)
	require.NoError(t, coords.Shape().Check(dtypes.Float32, 2, 8, 3))
	require.NoError(t, pixelLabels.Shape().Check(dtypes.Int32, 2, 8))

	flatLabels := tensors.MustCopyFlatData[int32](pixelLabels)
	for i, label := range flatLabels {
		assert.Equal(t, int32(i/4), label, "pick %d landed outside its class block", i)
	}

	// Every coordinate must name a real pixel of its class. The integer
	// positions are recoverable exactly, the dimensions are powers of two.
	flatCoords := tensors.MustCopyFlatData[float32](coords)
	for i := 0; i < len(flatCoords); i += 3 {
		image := int(flatCoords[i])
		row := int(flatCoords[i+1] * 2)
		col := int(flatCoords[i+2] * 4)
		assert.Equal(t, flatLabels[i/3], src[(image*2+row)*4+col])
	}
}

func TestStratifiedSampleTracksImages(t *testing.T) {
	// Class 0 lives only in batch row 0 and class 1 only in batch row 1, so
	// the image channel of the coordinates splits the same way.
	batchLabels := tensors.FromFlatDataAndDimensions([]int32{0, 0, 0, 0, 1, 1, 1, 1}, 2, 2, 2)
	coords, pixelLabels, err := stratifiedSample(rand.New(rand.NewSource(1)), batchLabels, 2, 4)
	require.NoError(t, err)

	flatCoords := tensors.MustCopyFlatData[float32](coords)
	flatLabels := tensors.MustCopyFlatData[int32](pixelLabels)
	for i := 0; i < 8; i++ {
		wantImage, wantClass := float32(0), int32(0)
		if i >= 4 {
			wantImage, wantClass = 1, 1
		}
		assert.Equal(t, wantImage, flatCoords[i*3])
		assert.Equal(t, wantClass, flatLabels[i])
	}
}

func TestStratifiedSampleInt64Labels(t *testing.T) {
	batchLabels := tensors.FromFlatDataAndDimensions([]int64{0, 1, 0, 1}, 1, 2, 2)
	_, pixelLabels, err := stratifiedSample(rand.New(rand.NewSource(2)), batchLabels, 2, 4)
	require.NoError(t, err)
	require.NoError(t, pixelLabels.Shape().Check(dtypes.Int64, 1, 4))
	assert.Equal(t, []int64{0, 0, 1, 1}, tensors.MustCopyFlatData[int64](pixelLabels))
}

func TestStratifiedSampleEmptyClass(t *testing.T) {
	batchLabels := tensors.FromFlatDataAndDimensions([]int32{0, 0, 1}, 1, 1, 3)
	_, _, err := stratifiedSample(rand.New(rand.NewSource(42)), batchLabels, 3, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyClass)
	assert.ErrorContains(t, err, "class 2")
}

func TestStratifiedSampleLabelOutOfRange(t *testing.T) {
	batchLabels := tensors.FromFlatDataAndDimensions([]int32{0, 1, 3}, 1, 1, 3)
	_, _, err := stratifiedSample(rand.New(rand.NewSource(42)), batchLabels, 3, 3)
	require.ErrorContains(t, err, "out of range")
}

func TestStratifiedSampleDeterminism(t *testing.T) {
	flat := make([]int32, 2*4*4)
	for i := range flat {
		flat[i] = int32(i % 3)
	}
	batchLabels := tensors.FromFlatDataAndDimensions(flat, 2, 4, 4)

	aCoords, aLabels, err := stratifiedSample(rand.New(rand.NewSource(7)), batchLabels, 3, 6)
	require.NoError(t, err)
	bCoords, bLabels, err := stratifiedSample(rand.New(rand.NewSource(7)), batchLabels, 3, 6)
	require.NoError(t, err)
	assert.True(t, aCoords.Equal(bCoords))
	assert.True(t, aLabels.Equal(bLabels))
}
