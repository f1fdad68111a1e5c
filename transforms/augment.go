// Copyright 2026 The pixelsets Authors. SPDX-License-Identifier: Apache-2.0

// Package transforms implements data augmentation for pixel-wise
// classification: geometric and intensity transforms applied jointly to a
// batch of images and their per-pixel label maps, plus random fixed-size
// cropping.
//
// Images are rank-4 tensors shaped (batch, height, width, channels) with a
// float dtype; label maps are rank-3 tensors shaped (batch, height, width)
// with an integer dtype. A geometric transform is applied identically to an
// image and its label map so pixels and labels stay aligned: images are
// resampled with bilinear interpolation, label maps with nearest-neighbor,
// and reads outside the canvas reflect at the borders.
package transforms

import (
	"math"
	"math/rand"
	"time"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Augmentation describes a randomized augmentation pipeline for image+label
// pairs. Configure it with the chainable methods and then call Apply on each
// batch. Stages run in a fixed order: horizontal flip, vertical flip,
// intensity shift, rotation, zoom, and finally a crop back to the original
// height and width if rotation or zoom grew the canvas.
//
// The zero value performs no transformation; Apply then just copies its
// inputs.
type Augmentation struct {
	flipHorizontal, flipVertical bool
	intensityFraction            float64
	maxRotationDegrees           float64
	zoomFraction                 float64
}

// NewAugmentation creates an empty augmentation pipeline. Without any of the
// configuration calls below it applies no transformation.
func NewAugmentation() *Augmentation {
	return &Augmentation{}
}

// FlipHorizontal enables mirroring images left-right with probability 1/2.
// It returns the updated Augmentation, so calls can be chained.
func (a *Augmentation) FlipHorizontal() *Augmentation {
	a.flipHorizontal = true
	return a
}

// FlipVertical enables mirroring images top-bottom with probability 1/2.
// It returns the updated Augmentation, so calls can be chained.
func (a *Augmentation) FlipVertical() *Augmentation {
	a.flipVertical = true
	return a
}

// IntensityShift enables adding a random constant to every value of an
// image. The constant is drawn uniformly from [-fraction*r, +fraction*r],
// where r is the range of values observed in that image, and the shifted
// values are clamped back to the observed range. Label maps are not touched.
//
// fraction must be in [0, 1]; 0 disables the stage.
// It returns the updated Augmentation, so calls can be chained.
func (a *Augmentation) IntensityShift(fraction float64) *Augmentation {
	a.intensityFraction = fraction
	return a
}

// Rotation enables rotating each image+label pair by an angle drawn
// uniformly from [0, maxDegrees). The canvas grows to the bounding box of
// the rotated image, and corners with no source pixels are filled by
// reflection; afterwards a randomly placed window of the original size is
// cropped back out.
//
// maxDegrees must be non-negative; 0 disables the stage.
// It returns the updated Augmentation, so calls can be chained.
func (a *Augmentation) Rotation(maxDegrees float64) *Augmentation {
	a.maxRotationDegrees = maxDegrees
	return a
}

// Zoom enables upscaling each image+label pair by a factor drawn uniformly
// from [1, 1+fraction), followed by a randomly placed crop back to the
// original size.
//
// fraction must be non-negative; 0 disables the stage.
// It returns the updated Augmentation, so calls can be chained.
func (a *Augmentation) Zoom(fraction float64) *Augmentation {
	a.zoomFraction = fraction
	return a
}

// Validate checks the configured parameters and returns an error describing
// the first invalid one. Apply calls it automatically.
func (a *Augmentation) Validate() error {
	if a.intensityFraction < 0 || a.intensityFraction > 1 {
		return errors.Errorf("intensity shift fraction must be in [0, 1], got %g", a.intensityFraction)
	}
	if a.maxRotationDegrees < 0 {
		return errors.Errorf("max rotation must be non-negative, got %g degrees", a.maxRotationDegrees)
	}
	if a.zoomFraction < 0 {
		return errors.Errorf("zoom fraction must be non-negative, got %g", a.zoomFraction)
	}
	return nil
}

// Apply runs the configured stages on every image+label pair of the batch
// and returns freshly allocated tensors of the same shapes; the inputs are
// not modified. images must be rank-4 (batch, height, width, channels) with
// dtype Float32 or Float64, labels rank-3 (batch, height, width) with dtype
// Int32 or Int64, and their first three dimensions must match.
//
// All randomness is drawn from rng, so a seeded rng makes the augmentation
// reproducible. A nil rng is replaced by one seeded with the current time.
func (a *Augmentation) Apply(rng *rand.Rand, images, labels *tensors.Tensor) (augImages, augLabels *tensors.Tensor, err error) {
	if err = a.Validate(); err != nil {
		return nil, nil, err
	}
	if err = checkPairShapes(images, labels); err != nil {
		return nil, nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	switch images.DType() {
	case dtypes.Float32:
		return applyToBatch[float32](a, rng, images, labels)
	case dtypes.Float64:
		return applyToBatch[float64](a, rng, images, labels)
	default:
		return nil, nil, errors.Errorf("images dtype %s not supported for augmentation, use Float32 or Float64", images.DType())
	}
}

// applyToBatch resolves the labels dtype. It is a free function because
// methods cannot take type parameters.
func applyToBatch[T interface{ float32 | float64 }](a *Augmentation, rng *rand.Rand, images, labels *tensors.Tensor) (*tensors.Tensor, *tensors.Tensor, error) {
	switch labels.DType() {
	case dtypes.Int32:
		augImages, augLabels := applyImpl[T, int32](a, rng, images, labels)
		return augImages, augLabels, nil
	case dtypes.Int64:
		augImages, augLabels := applyImpl[T, int64](a, rng, images, labels)
		return augImages, augLabels, nil
	default:
		return nil, nil, errors.Errorf("labels dtype %s not supported for augmentation, use Int32 or Int64", labels.DType())
	}
}

func applyImpl[T interface{ float32 | float64 }, L interface{ int32 | int64 }](a *Augmentation, rng *rand.Rand, images, labels *tensors.Tensor) (*tensors.Tensor, *tensors.Tensor) {
	dims := images.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	augImages := tensors.FromShape(shapes.Make(images.DType(), dims...))
	augLabels := tensors.FromShape(shapes.Make(labels.DType(), batchSize, height, width))

	imagePairSize := height * width * channels
	labelPairSize := height * width
	tensors.MustConstFlatData[T](images, func(srcImages []T) {
		tensors.MustConstFlatData[L](labels, func(srcLabels []L) {
			tensors.MustMutableFlatData[T](augImages, func(dstImages []T) {
				tensors.MustMutableFlatData[L](augLabels, func(dstLabels []L) {
					// Scratch pair buffers, reused across the batch. Rotation and
					// zoom allocate their own larger canvases as needed.
					img := make([]T, imagePairSize)
					lbl := make([]L, labelPairSize)
					for b := 0; b < batchSize; b++ {
						copy(img, srcImages[b*imagePairSize:(b+1)*imagePairSize])
						copy(lbl, srcLabels[b*labelPairSize:(b+1)*labelPairSize])
						augmentPair(a, rng, img, lbl, height, width, channels,
							dstImages[b*imagePairSize:(b+1)*imagePairSize],
							dstLabels[b*labelPairSize:(b+1)*labelPairSize])
					}
				})
			})
		})
	})
	return augImages, augLabels
}

// augmentPair transforms one image+label pair held in img/lbl (shaped
// height x width (x channels), row-major) and writes the result, cropped or
// copied back to the original size, into dstImg/dstLbl.
func augmentPair[T constraints.Float, L constraints.Integer](
	a *Augmentation, rng *rand.Rand,
	img []T, lbl []L, height, width, channels int,
	dstImg []T, dstLbl []L) {
	curH, curW := height, width
	if a.flipHorizontal && rng.Intn(2) == 1 {
		flipPairLeftRight(img, lbl, curH, curW, channels)
	}
	if a.flipVertical && rng.Intn(2) == 1 {
		flipPairTopBottom(img, lbl, curH, curW, channels)
	}
	if a.intensityFraction > 0 {
		lo, hi := valueRange(img)
		delta := T((2*rng.Float64() - 1) * a.intensityFraction * float64(hi-lo))
		for i, v := range img {
			v += delta
			if v < lo {
				v = lo
			} else if v > hi {
				v = hi
			}
			img[i] = v
		}
	}
	if a.maxRotationDegrees > 0 {
		degrees := rng.Float64() * a.maxRotationDegrees
		img, lbl, curH, curW = rotatePair(img, lbl, curH, curW, channels, degrees)
	}
	if a.zoomFraction > 0 {
		factor := 1 + rng.Float64()*a.zoomFraction
		img, lbl, curH, curW = zoomPair(img, lbl, curH, curW, channels, factor)
	}
	if curH == height && curW == width {
		copy(dstImg, img)
		copy(dstLbl, lbl)
		return
	}

	// Crop back to the original size at a random offset. A canvas dimension
	// that didn't grow leaves no room to choose, so the offset collapses to 0.
	offY, offX := 0, 0
	if curH > height {
		offY = rng.Intn(curH - height)
	}
	if curW > width {
		offX = rng.Intn(curW - width)
	}
	copyWindow(img, lbl, curH, curW, channels, offY, offX, dstImg, dstLbl, height, width)
}

func flipPairLeftRight[T constraints.Float, L constraints.Integer](img []T, lbl []L, height, width, channels int) {
	for y := 0; y < height; y++ {
		for x := 0; x < width/2; x++ {
			xm := width - 1 - x
			for ch := 0; ch < channels; ch++ {
				i, j := (y*width+x)*channels+ch, (y*width+xm)*channels+ch
				img[i], img[j] = img[j], img[i]
			}
			i, j := y*width+x, y*width+xm
			lbl[i], lbl[j] = lbl[j], lbl[i]
		}
	}
}

func flipPairTopBottom[T constraints.Float, L constraints.Integer](img []T, lbl []L, height, width, channels int) {
	rowSize := width * channels
	for y := 0; y < height/2; y++ {
		ym := height - 1 - y
		for i := 0; i < rowSize; i++ {
			a, b := y*rowSize+i, ym*rowSize+i
			img[a], img[b] = img[b], img[a]
		}
		for x := 0; x < width; x++ {
			a, b := y*width+x, ym*width+x
			lbl[a], lbl[b] = lbl[b], lbl[a]
		}
	}
}

func valueRange[T constraints.Float](values []T) (lo, hi T) {
	lo, hi = values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		} else if v > hi {
			hi = v
		}
	}
	return
}

// rotatePair rotates the pair by the given angle. The returned canvas is the
// tight bounding box of the rotated image, so no content is lost; positions
// that map outside the source reflect at its borders.
func rotatePair[T constraints.Float, L constraints.Integer](img []T, lbl []L, height, width, channels int, degrees float64) ([]T, []L, int, int) {
	radians := degrees * math.Pi / 180
	sin, cos := math.Sincos(radians)
	absSin, absCos := math.Abs(sin), math.Abs(cos)
	outW := int(math.Ceil(float64(width)*absCos + float64(height)*absSin))
	outH := int(math.Ceil(float64(width)*absSin + float64(height)*absCos))
	cySrc := float64(height-1) / 2
	cxSrc := float64(width-1) / 2
	cyDst := float64(outH-1) / 2
	cxDst := float64(outW-1) / 2
	// Inverse mapping: each output position is rotated back onto the source.
	outImg, outLbl := resamplePair(img, lbl, height, width, channels, outH, outW,
		func(y, x int) (srcY, srcX float64) {
			dy := float64(y) - cyDst
			dx := float64(x) - cxDst
			return cos*dy - sin*dx + cySrc, sin*dy + cos*dx + cxSrc
		})
	return outImg, outLbl, outH, outW
}

// zoomPair upscales the pair by factor (>= 1), using the pixel-center
// convention to map output positions back onto the source.
func zoomPair[T constraints.Float, L constraints.Integer](img []T, lbl []L, height, width, channels int, factor float64) ([]T, []L, int, int) {
	outH := int(math.Round(float64(height) * factor))
	outW := int(math.Round(float64(width) * factor))
	if outH < height {
		outH = height
	}
	if outW < width {
		outW = width
	}
	scaleY := float64(height) / float64(outH)
	scaleX := float64(width) / float64(outW)
	outImg, outLbl := resamplePair(img, lbl, height, width, channels, outH, outW,
		func(y, x int) (srcY, srcX float64) {
			return (float64(y)+0.5)*scaleY - 0.5, (float64(x)+0.5)*scaleX - 0.5
		})
	return outImg, outLbl, outH, outW
}

// resamplePair builds an outH x outW pair from the source pair, pulling each
// output position from the source coordinates given by srcCoord. Image
// values are interpolated bilinearly, labels take the nearest source pixel.
func resamplePair[T constraints.Float, L constraints.Integer](
	img []T, lbl []L, height, width, channels, outH, outW int,
	srcCoord func(y, x int) (srcY, srcX float64)) ([]T, []L) {
	outImg := make([]T, outH*outW*channels)
	outLbl := make([]L, outH*outW)
	for y := 0; y < outH; y++ {
		for x := 0; x < outW; x++ {
			srcY, srcX := srcCoord(y, x)
			for ch := 0; ch < channels; ch++ {
				outImg[(y*outW+x)*channels+ch] = bilinear(img, height, width, channels, srcY, srcX, ch)
			}
			yn := reflectIndex(int(math.Round(srcY)), height)
			xn := reflectIndex(int(math.Round(srcX)), width)
			outLbl[y*outW+x] = lbl[yn*width+xn]
		}
	}
	return outImg, outLbl
}

func bilinear[T constraints.Float](img []T, height, width, channels int, srcY, srcX float64, ch int) T {
	y0 := int(math.Floor(srcY))
	x0 := int(math.Floor(srcX))
	fy := srcY - float64(y0)
	fx := srcX - float64(x0)
	y0r := reflectIndex(y0, height)
	y1r := reflectIndex(y0+1, height)
	x0r := reflectIndex(x0, width)
	x1r := reflectIndex(x0+1, width)
	v00 := float64(img[(y0r*width+x0r)*channels+ch])
	v01 := float64(img[(y0r*width+x1r)*channels+ch])
	v10 := float64(img[(y1r*width+x0r)*channels+ch])
	v11 := float64(img[(y1r*width+x1r)*channels+ch])
	top := v00 + (v01-v00)*fx
	bottom := v10 + (v11-v10)*fx
	return T(top + (bottom-top)*fy)
}

// reflectIndex folds an out-of-range index back into [0, n) by mirroring at
// the borders without repeating the edge pixel: -1 maps to 0, n maps to n-1.
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		} else {
			i = 2*n - i - 1
		}
	}
	return i
}

// copyWindow copies a height x width window anchored at (offY, offX) from
// the source pair into the destination pair. Window positions past the
// source canvas reflect at its borders, which covers canvases that are
// smaller than the window on one axis.
func copyWindow[T constraints.Float, L constraints.Integer](
	img []T, lbl []L, curH, curW, channels int,
	offY, offX int,
	dstImg []T, dstLbl []L, height, width int) {
	for y := 0; y < height; y++ {
		sy := reflectIndex(offY+y, curH)
		for x := 0; x < width; x++ {
			sx := reflectIndex(offX+x, curW)
			copy(dstImg[(y*width+x)*channels:(y*width+x+1)*channels],
				img[(sy*curW+sx)*channels:(sy*curW+sx+1)*channels])
			dstLbl[y*width+x] = lbl[sy*curW+sx]
		}
	}
}

// checkPairShapes validates an images+labels tensor pair: images rank-4
// (batch, height, width, channels), labels rank-3 (batch, height, width)
// with an integer dtype, and matching leading dimensions.
func checkPairShapes(images, labels *tensors.Tensor) error {
	if images == nil || labels == nil {
		return errors.New("images and labels tensors must not be nil")
	}
	imgShape := images.Shape()
	lblShape := labels.Shape()
	if imgShape.Rank() != 4 {
		return errors.Errorf("images must be rank-4 (batch, height, width, channels), got shape %s", imgShape)
	}
	if lblShape.Rank() != 3 {
		return errors.Errorf("labels must be rank-3 (batch, height, width), got shape %s", lblShape)
	}
	for axis := 0; axis < 3; axis++ {
		if imgShape.Dimensions[axis] != lblShape.Dimensions[axis] {
			return errors.Errorf("images and labels dimensions differ on axis %d: images=%s, labels=%s",
				axis, imgShape, lblShape)
		}
	}
	if !lblShape.DType.IsInt() {
		return errors.Errorf("labels must have an integer dtype, got %s", lblShape.DType)
	}
	return nil
}
