// Copyright 2026 The pixelsets Authors. SPDX-License-Identifier: Apache-2.0

package sampling

import (
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ErrEmptyClass reports that a class-balanced batch could not be assembled
// because none of the batch's pixels belong to some class. Callers can
// detect it with errors.Is and, say, resample or drop the batch.
var ErrEmptyClass = errors.New("class has no pixels to sample from")

// pixelPos is one pooled pixel position within a batch.
type pixelPos struct {
	image, row, col int32
}

// stratifiedSample draws pixels balanced by class: each of the numClasses
// classes contributes exactly quota = batchSize*samplesPerImage/numClasses
// pixels, drawn with replacement from the positions of that class anywhere
// in the batch. The caller guarantees divisibility.
//
// The per-class draws are laid out in class order (all class-0 pixels, then
// class-1, ...) and reshaped to (batchSize, samplesPerImage), so one batch
// row can hold pixels from several images; channel 0 of the coordinates
// names the image each pixel came from, which is what consumers gather by.
// Only per-class counts are exact, per-image counts vary batch to batch.
func stratifiedSample(rng *rand.Rand, batchLabels *tensors.Tensor, numClasses, samplesPerImage int) (coords, pixelLabels *tensors.Tensor, err error) {
	dims := batchLabels.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]
	total := batchSize * samplesPerImage
	quota := total / numClasses

	pools, err := classPools(batchLabels, numClasses)
	if err != nil {
		return nil, nil, err
	}
	picks := make([]pixelPos, 0, total)
	for class, pool := range pools {
		if len(pool) == 0 {
			return nil, nil, errors.Wrapf(ErrEmptyClass, "class %d in the current batch", class)
		}
		for i := 0; i < quota; i++ {
			picks = append(picks, pool[rng.Intn(len(pool))])
		}
	}

	imageIdx := make([]int, total)
	rows := make([]int, total)
	cols := make([]int, total)
	coords = tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, samplesPerImage, 3))
	tensors.MustMutableFlatData[float32](coords, func(flat []float32) {
		for i, pos := range picks {
			imageIdx[i] = int(pos.image)
			rows[i] = int(pos.row)
			cols[i] = int(pos.col)
			flat[i*3] = float32(pos.image)
			flat[i*3+1] = clampBelowOne(float32(pos.row) / float32(height))
			flat[i*3+2] = clampBelowOne(float32(pos.col) / float32(width))
		}
	})
	pixelLabels, err = gatherPixelLabels(batchLabels, imageIdx, rows, cols, batchSize, samplesPerImage)
	if err != nil {
		return nil, nil, err
	}
	return coords, pixelLabels, nil
}

// classPools collects every pixel position of the batch's label maps,
// grouped by class.
func classPools(batchLabels *tensors.Tensor, numClasses int) ([][]pixelPos, error) {
	switch batchLabels.DType() {
	case dtypes.Int32:
		return buildPools[int32](batchLabels, numClasses)
	case dtypes.Int64:
		return buildPools[int64](batchLabels, numClasses)
	default:
		return nil, errors.Errorf("labels dtype %s not supported, use Int32 or Int64", batchLabels.DType())
	}
}

func buildPools[L interface{ int32 | int64 }](batchLabels *tensors.Tensor, numClasses int) ([][]pixelPos, error) {
	dims := batchLabels.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]
	pools := make([][]pixelPos, numClasses)
	var badLabel error
	tensors.MustConstFlatData[L](batchLabels, func(flat []L) {
		for b := 0; b < batchSize; b++ {
			for row := 0; row < height; row++ {
				base := (b*height + row) * width
				for col := 0; col < width; col++ {
					class := int(flat[base+col])
					if class < 0 || class >= numClasses {
						badLabel = errors.Errorf("label %d at (%d, %d, %d) is out of range [0, %d)",
							class, b, row, col, numClasses)
						return
					}
					pools[class] = append(pools[class], pixelPos{int32(b), int32(row), int32(col)})
				}
			}
		}
	})
	if badLabel != nil {
		return nil, badLabel
	}
	return pools, nil
}
