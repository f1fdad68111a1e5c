// Copyright 2026 The pixelsets Authors. SPDX-License-Identifier: Apache-2.0

package sampling

import (
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// uniformSample draws samplesPerImage pixel positions per batch row,
// uniformly over the spatial dimensions of the batch's label maps.
//
// The coordinates tensor is Float32 (batchSize, samplesPerImage, 3): channel
// 0 holds the image's batch index, channels 1 and 2 hold the normalized row
// and column positions in [0, 1). The pixel labels (batchSize,
// samplesPerImage) are gathered at row=floor(u*height), col=floor(v*width),
// computed once from the float64 draws; they are never re-derived from the
// rounded Float32 values.
func uniformSample(rng *rand.Rand, batchLabels *tensors.Tensor, samplesPerImage int) (coords, pixelLabels *tensors.Tensor, err error) {
	dims := batchLabels.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]
	total := batchSize * samplesPerImage
	imageIdx := make([]int, total)
	rows := make([]int, total)
	cols := make([]int, total)

	coords = tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, samplesPerImage, 3))
	tensors.MustMutableFlatData[float32](coords, func(flat []float32) {
		for b := 0; b < batchSize; b++ {
			for p := 0; p < samplesPerImage; p++ {
				u := rng.Float64()
				v := rng.Float64()
				i := b*samplesPerImage + p
				imageIdx[i] = b
				rows[i] = int(u * float64(height))
				cols[i] = int(v * float64(width))
				flat[i*3] = float32(b)
				flat[i*3+1] = clampBelowOne(float32(u))
				flat[i*3+2] = clampBelowOne(float32(v))
			}
		}
	})
	pixelLabels, err = gatherPixelLabels(batchLabels, imageIdx, rows, cols, batchSize, samplesPerImage)
	if err != nil {
		return nil, nil, err
	}
	return coords, pixelLabels, nil
}

// clampBelowOne keeps a narrowed coordinate inside [0, 1): a float64 draw
// within 2^-25 of 1 rounds up to exactly 1.0 as a float32.
func clampBelowOne(c float32) float32 {
	if c >= 1 {
		return math.Nextafter32(1, 0)
	}
	return c
}

// gatherPixelLabels reads the label values at the given (image, row, col)
// positions into a (batchSize, samplesPerImage) tensor of the label dtype.
func gatherPixelLabels(batchLabels *tensors.Tensor, imageIdx, rows, cols []int, batchSize, samplesPerImage int) (*tensors.Tensor, error) {
	out := tensors.FromShape(shapes.Make(batchLabels.DType(), batchSize, samplesPerImage))
	switch batchLabels.DType() {
	case dtypes.Int32:
		gatherLabelValues[int32](batchLabels, out, imageIdx, rows, cols)
	case dtypes.Int64:
		gatherLabelValues[int64](batchLabels, out, imageIdx, rows, cols)
	default:
		return nil, errors.Errorf("labels dtype %s not supported, use Int32 or Int64", batchLabels.DType())
	}
	return out, nil
}

func gatherLabelValues[L interface{ int32 | int64 }](batchLabels, out *tensors.Tensor, imageIdx, rows, cols []int) {
	dims := batchLabels.Shape().Dimensions
	height, width := dims[1], dims[2]
	tensors.MustConstFlatData[L](batchLabels, func(src []L) {
		tensors.MustMutableFlatData[L](out, func(dst []L) {
			for i := range dst {
				dst[i] = src[(imageIdx[i]*height+rows[i])*width+cols[i]]
			}
		})
	})
}
