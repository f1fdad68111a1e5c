// Copyright 2026 The pixelsets Authors. SPDX-License-Identifier: Apache-2.0

// Package sampling turns an in-memory corpus of images and per-pixel label
// maps into an infinite stream of training batches for pixel-wise
// classification, in the form of a train.Dataset.
//
// Each batch pairs a stack of images, drawn at random from the corpus and
// optionally augmented and cropped, with a set of sampled pixel coordinates
// and the class labels found at those pixels. Models that build per-pixel
// features (hypercolumns and the like) gather them at the coordinates and
// train against the sampled labels, so supervision stays sparse even for
// large images.
//
// The stream never ends: Yield never returns io.EOF and Reset is a no-op.
// Compose with datasets.Take for a finite number of batches or with
// datasets.CustomParallel for prefetching; Yield is safe for concurrent use.
package sampling

import (
	"math/rand"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/micrograph-ml/pixelsets/categorical"
	"github.com/micrograph-ml/pixelsets/transforms"
)

// Dataset samples pixel-level training batches from a fixed corpus of
// images and label maps. Create it with New, adjust it with the chainable
// configuration methods, then hand it to a training loop (or call Yield
// directly).
//
// Configuration must finish before the first Yield: the chainable methods
// only store their arguments, and cross-field validation runs once, on the
// first batch. Configuring a Dataset that already yielded panics.
type Dataset struct {
	images     *tensors.Tensor // (numImages, height, width, channels)
	labels     *tensors.Tensor // (numImages, height, width)
	numClasses int

	// mu serializes configuration and sampling, all the fields below: the
	// setters and Yield hold it, so wrapping the dataset in
	// datasets.CustomParallel is safe.
	mu              sync.Mutex
	name            string
	batchSize       int
	samplesPerImage int
	withReplacement bool
	stratified      bool
	augmentation    *transforms.Augmentation
	cropSize        int
	encoder         *categorical.Encoder
	rng             *rand.Rand
	checked         bool
}

var _ train.Dataset = (*Dataset)(nil)

// New creates a Dataset over the given corpus. images must be rank-4
// (numImages, height, width, channels); labels must be rank-3
// (numImages, height, width) with dtype Int32 or Int64, matching the images
// on the first three axes, and every label must lie in [0, numClasses).
//
// The returned Dataset yields batches of 4 images with 2048 uniformly
// sampled pixels each until configured otherwise.
func New(images, labels *tensors.Tensor, numClasses int) (*Dataset, error) {
	if images == nil || labels == nil {
		return nil, errors.New("images and labels tensors must not be nil")
	}
	if numClasses < 1 {
		return nil, errors.Errorf("number of classes must be at least 1, got %d", numClasses)
	}
	imgShape := images.Shape()
	lblShape := labels.Shape()
	if imgShape.Rank() != 4 {
		return nil, errors.Errorf("images must be rank-4 (numImages, height, width, channels), got shape %s", imgShape)
	}
	if lblShape.Rank() != 3 {
		return nil, errors.Errorf("labels must be rank-3 (numImages, height, width), got shape %s", lblShape)
	}
	for axis := 0; axis < 3; axis++ {
		if imgShape.Dimensions[axis] != lblShape.Dimensions[axis] {
			return nil, errors.Errorf("images and labels dimensions differ on axis %d: images=%s, labels=%s",
				axis, imgShape, lblShape)
		}
	}
	if err := scanLabelRange(labels, numClasses); err != nil {
		return nil, err
	}
	return &Dataset{
		name:            "pixel-sampling",
		images:          images,
		labels:          labels,
		numClasses:      numClasses,
		batchSize:       4,
		samplesPerImage: 2048,
		withReplacement: true,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// scanLabelRange verifies every label value lies in [0, numClasses).
func scanLabelRange(labels *tensors.Tensor, numClasses int) error {
	switch labels.DType() {
	case dtypes.Int32:
		return scanLabelRangeOf[int32](labels, numClasses)
	case dtypes.Int64:
		return scanLabelRangeOf[int64](labels, numClasses)
	default:
		return errors.Errorf("labels dtype %s not supported, use Int32 or Int64", labels.DType())
	}
}

func scanLabelRangeOf[L interface{ int32 | int64 }](labels *tensors.Tensor, numClasses int) error {
	var err error
	tensors.MustConstFlatData[L](labels, func(flat []L) {
		for i, v := range flat {
			if v < 0 || int(v) >= numClasses {
				err = errors.Errorf("label %d at flat position %d is out of range [0, %d)", v, i, numClasses)
				return
			}
		}
	})
	return err
}

// mustNotBeStarted panics if the dataset already yielded a batch: the
// configuration freezes at the first Yield. Called with mu held.
func (ds *Dataset) mustNotBeStarted(method string) {
	if ds.checked {
		exceptions.Panicf("sampling.Dataset.%s: cannot configure a dataset that already yielded batches", method)
	}
}

// BatchSize sets how many images each batch holds. Default is 4.
// It returns the updated Dataset, so calls can be chained.
func (ds *Dataset) BatchSize(n int) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.mustNotBeStarted("BatchSize")
	ds.batchSize = n
	return ds
}

// SamplesPerImage sets how many pixel coordinates are sampled per image in
// the batch. Default is 2048.
// It returns the updated Dataset, so calls can be chained.
func (ds *Dataset) SamplesPerImage(p int) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.mustNotBeStarted("SamplesPerImage")
	ds.samplesPerImage = p
	return ds
}

// WithoutReplacement makes each batch draw distinct images from the corpus.
// By default images are drawn with replacement, so a batch may repeat an
// image. Requires the corpus to hold at least a batch worth of images.
// It returns the updated Dataset, so calls can be chained.
func (ds *Dataset) WithoutReplacement() *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.mustNotBeStarted("WithoutReplacement")
	ds.withReplacement = false
	return ds
}

// Stratified switches the pixel sampler from uniform to class-balanced: the
// pixels of each batch are split evenly across the classes, drawn (with
// replacement) from the pixels of that class anywhere in the batch. The
// number of classes must divide batchSize*samplesPerImage.
// It returns the updated Dataset, so calls can be chained.
func (ds *Dataset) Stratified() *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.mustNotBeStarted("Stratified")
	ds.stratified = true
	return ds
}

// WithAugmentation applies the given augmentation pipeline to every batch
// before pixels are sampled. Requires Float32 or Float64 images.
// It returns the updated Dataset, so calls can be chained.
func (ds *Dataset) WithAugmentation(a *transforms.Augmentation) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.mustNotBeStarted("WithAugmentation")
	ds.augmentation = a
	return ds
}

// WithCrop random-crops every batch to size x size (after augmentation,
// before pixel sampling). The size must fit into the image dimensions.
// It returns the updated Dataset, so calls can be chained.
func (ds *Dataset) WithCrop(size int) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.mustNotBeStarted("WithCrop")
	ds.cropSize = size
	return ds
}

// WithEncoder one-hot (or confidence) encodes the sampled pixel labels with
// the given encoder, turning the (batch, pixels) label tensor into
// (batch, pixels, numClasses). The encoder's class count must match the
// dataset's.
// It returns the updated Dataset, so calls can be chained.
func (ds *Dataset) WithEncoder(e *categorical.Encoder) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.mustNotBeStarted("WithEncoder")
	ds.encoder = e
	return ds
}

// WithRand sets the random number generator driving every draw the Dataset
// makes, making the stream reproducible. Defaults to one seeded with the
// current time.
// It returns the updated Dataset, so calls can be chained.
func (ds *Dataset) WithRand(rng *rand.Rand) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.mustNotBeStarted("WithRand")
	ds.rng = rng
	return ds
}

// SetName renames the dataset, for metrics and logging. Default is
// "pixel-sampling".
// It returns the updated Dataset, so calls can be chained.
func (ds *Dataset) SetName(name string) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.mustNotBeStarted("SetName")
	ds.name = name
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset. The stream is infinite and keeps no
// position, so there is nothing to rewind.
func (ds *Dataset) Reset() {}

// check runs the cross-field configuration validation once, before the
// first batch. Called with mu held.
func (ds *Dataset) check() error {
	if ds.checked {
		return nil
	}
	if ds.batchSize < 1 {
		return errors.Errorf("batch size must be at least 1, got %d", ds.batchSize)
	}
	if ds.samplesPerImage < 1 {
		return errors.Errorf("samples per image must be at least 1, got %d", ds.samplesPerImage)
	}
	if ds.rng == nil {
		return errors.New("random number generator must not be nil")
	}
	dims := ds.images.Shape().Dimensions
	numImages, height, width := dims[0], dims[1], dims[2]
	if !ds.withReplacement && ds.batchSize > numImages {
		return errors.Errorf("drawing %d images per batch without replacement needs a corpus of at least that many, got %d",
			ds.batchSize, numImages)
	}
	if ds.cropSize < 0 {
		return errors.Errorf("crop size must be non-negative, got %d", ds.cropSize)
	}
	if ds.cropSize > 0 && (ds.cropSize > height || ds.cropSize > width) {
		return errors.Errorf("crop size %d does not fit into %dx%d images", ds.cropSize, height, width)
	}
	if ds.augmentation != nil {
		if err := ds.augmentation.Validate(); err != nil {
			return err
		}
		switch ds.images.DType() {
		case dtypes.Float32, dtypes.Float64:
		default:
			return errors.Errorf("augmentation needs Float32 or Float64 images, got %s", ds.images.DType())
		}
	}
	if ds.stratified && (ds.batchSize*ds.samplesPerImage)%ds.numClasses != 0 {
		return errors.Errorf("stratified sampling needs the %d classes to divide batchSize*samplesPerImage = %d",
			ds.numClasses, ds.batchSize*ds.samplesPerImage)
	}
	if ds.encoder != nil {
		if err := ds.encoder.Validate(); err != nil {
			return err
		}
		if ds.encoder.NumClasses() != ds.numClasses {
			return errors.Errorf("encoder is configured for %d classes, the dataset holds %d",
				ds.encoder.NumClasses(), ds.numClasses)
		}
	}
	ds.checked = true
	return nil
}

// Yield implements train.Dataset. It assembles the next batch:
//
//  1. Draw batchSize image indices (with or without replacement) and gather
//     the selected image+label pairs into fresh batch tensors.
//  2. Apply the augmentation pipeline, if configured.
//  3. Random-crop the batch, if configured.
//  4. Sample pixel coordinates (uniform or stratified) and gather the labels
//     under them.
//  5. Encode the pixel labels, if an encoder is configured.
//
// It returns the Dataset itself as spec, inputs = [images, coordinates] and
// labels = [pixelLabels]. images is (batchSize, height, width, channels)
// after any cropping; coordinates is Float32 (batchSize, samplesPerImage, 3)
// holding (imageIndex, row/height, col/width) per sampled pixel; pixelLabels
// is (batchSize, samplesPerImage) of the label dtype, or
// (batchSize, samplesPerImage, numClasses) when an encoder is set.
//
// The stream is infinite: Yield never returns io.EOF.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if err = ds.check(); err != nil {
		return nil, nil, nil, err
	}

	batchImages, batchLabels, err := ds.gatherBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	if ds.augmentation != nil {
		batchImages, batchLabels, err = ds.augmentation.Apply(ds.rng, batchImages, batchLabels)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if ds.cropSize > 0 {
		batchImages, batchLabels, err = transforms.RandomCrop(ds.rng, batchImages, batchLabels, ds.cropSize)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	var coords, pixelLabels *tensors.Tensor
	if ds.stratified {
		coords, pixelLabels, err = stratifiedSample(ds.rng, batchLabels, ds.numClasses, ds.samplesPerImage)
	} else {
		coords, pixelLabels, err = uniformSample(ds.rng, batchLabels, ds.samplesPerImage)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	if ds.encoder != nil {
		pixelLabels, err = ds.encoder.Batch(pixelLabels)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return ds, []*tensors.Tensor{batchImages, coords}, []*tensors.Tensor{pixelLabels}, nil
}

// gatherBatch draws the batch's image indices and copies the selected
// image+label pairs into fresh batch tensors.
func (ds *Dataset) gatherBatch() (*tensors.Tensor, *tensors.Tensor, error) {
	dims := ds.images.Shape().Dimensions
	numImages := dims[0]
	indices := make([]int, ds.batchSize)
	if ds.withReplacement {
		for i := range indices {
			indices[i] = ds.rng.Intn(numImages)
		}
	} else {
		copy(indices, ds.rng.Perm(numImages))
	}

	batchImages := tensors.FromShape(shapes.Make(ds.images.DType(), ds.batchSize, dims[1], dims[2], dims[3]))
	batchLabels := tensors.FromShape(shapes.Make(ds.labels.DType(), ds.batchSize, dims[1], dims[2]))
	if err := gatherPairs(ds.images, batchImages, indices); err != nil {
		return nil, nil, err
	}
	if err := gatherPairs(ds.labels, batchLabels, indices); err != nil {
		return nil, nil, err
	}
	return batchImages, batchLabels, nil
}

// gatherPairs copies entry indices[i] of src's leading axis into entry i of
// dst. Moving raw bytes keeps it independent of the dtype.
func gatherPairs(src, dst *tensors.Tensor, indices []int) error {
	entryBytes := int(src.Shape().Memory()) / src.Shape().Dimensions[0]
	var innerErr error
	err := src.ConstBytes(func(srcData []byte) {
		innerErr = dst.MutableBytes(func(dstData []byte) {
			for i, idx := range indices {
				copy(dstData[i*entryBytes:(i+1)*entryBytes],
					srcData[idx*entryBytes:(idx+1)*entryBytes])
			}
		})
	})
	if err != nil {
		return err
	}
	return innerErr
}
