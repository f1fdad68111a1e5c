// Copyright 2026 The pixelsets Authors. SPDX-License-Identifier: Apache-2.0

package transforms

import (
	"math/rand"
	"time"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// RandomCrop cuts a size x size window out of every image+label pair of the
// batch, choosing each pair's window position uniformly at random. It
// returns freshly allocated tensors shaped (batch, size, size, channels) and
// (batch, size, size); the inputs are not modified.
//
// It works on any dtype since it only moves pixels around. The pair must
// pass the same shape checks as Augmentation.Apply, and size must fit into
// the image dimensions. An axis without slack (image dimension equal to
// size) admits only offset 0; this never fails.
//
// A nil rng is replaced by one seeded with the current time.
func RandomCrop(rng *rand.Rand, images, labels *tensors.Tensor, size int) (cropImages, cropLabels *tensors.Tensor, err error) {
	if size <= 0 {
		return nil, nil, errors.Errorf("crop size must be positive, got %d", size)
	}
	if err = checkPairShapes(images, labels); err != nil {
		return nil, nil, err
	}
	dims := images.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if size > height || size > width {
		return nil, nil, errors.Errorf("crop size %d does not fit into %dx%d images", size, height, width)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	offY := make([]int, batchSize)
	offX := make([]int, batchSize)
	for b := 0; b < batchSize; b++ {
		if height > size {
			offY[b] = rng.Intn(height - size)
		}
		if width > size {
			offX[b] = rng.Intn(width - size)
		}
	}

	cropImages = tensors.FromShape(shapes.Make(images.DType(), batchSize, size, size, channels))
	cropLabels = tensors.FromShape(shapes.Make(labels.DType(), batchSize, size, size))
	if err = cropBytes(images, cropImages, height, width, size, channels, offY, offX); err != nil {
		return nil, nil, err
	}
	if err = cropBytes(labels, cropLabels, height, width, size, 1, offY, offX); err != nil {
		return nil, nil, err
	}
	return cropImages, cropLabels, nil
}

// cropBytes copies, for every pair b, the size x size window anchored at
// (offY[b], offX[b]) from src into dst, row by row. Moving raw bytes keeps
// it independent of the dtype; each pixel spans pixelElems elements.
func cropBytes(src, dst *tensors.Tensor, height, width, size, pixelElems int, offY, offX []int) error {
	pixelBytes := pixelElems * int(src.DType().Memory())
	srcRowBytes := width * pixelBytes
	dstRowBytes := size * pixelBytes
	var innerErr error
	err := src.ConstBytes(func(srcData []byte) {
		innerErr = dst.MutableBytes(func(dstData []byte) {
			for b := range offY {
				srcBase := (b*height+offY[b])*srcRowBytes + offX[b]*pixelBytes
				dstBase := b * size * dstRowBytes
				for y := 0; y < size; y++ {
					copy(dstData[dstBase+y*dstRowBytes:dstBase+(y+1)*dstRowBytes],
						srcData[srcBase+y*srcRowBytes:srcBase+y*srcRowBytes+dstRowBytes])
				}
			}
		})
	})
	if err != nil {
		return err
	}
	return innerErr
}
