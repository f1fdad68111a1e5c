// Copyright 2026 The pixelsets Authors. SPDX-License-Identifier: Apache-2.0

// Package categorical encodes integer class labels as dense float vectors:
// plain one-hot rows, label-smoothed rows with a scalar confidence, or rows
// taken from a per-class confidence (confusion) matrix.
package categorical

import (
	"math"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Encoder converts integer class labels into dense per-class confidence
// vectors. Configure it with the chainable With* methods; the zero
// configuration produces hard one-hot rows of dtype Float32.
//
// An Encoder is immutable once configured, so one instance can encode
// batches from multiple goroutines.
type Encoder struct {
	numClasses int
	dtype      dtypes.DType
	confidence float64
	matrix     *tensors.Tensor
}

// NewEncoder creates an Encoder for labels in [0, numClasses). By default it
// produces hard one-hot rows of dtype Float32.
//
// The configuration is validated lazily: Batch (or an explicit Validate
// call) reports the first invalid parameter.
func NewEncoder(numClasses int) *Encoder {
	return &Encoder{
		numClasses: numClasses,
		dtype:      dtypes.Float32,
		confidence: 1,
	}
}

// WithDType sets the dtype of the encoded tensor. Supported are Float32
// (default), Float64, Float16, and BFloat16.
// It returns the updated Encoder, so calls can be chained.
func (e *Encoder) WithDType(dtype dtypes.DType) *Encoder {
	e.dtype = dtype
	return e
}

// WithConfidence enables label smoothing: the true class gets confidence c
// and the remaining probability mass 1-c is spread evenly over the other
// classes, so each gets (1-c)/(numClasses-1). c must be in (0, 1]; 1 is
// equivalent to hard one-hot rows.
//
// It cannot be combined with WithConfusionMatrix.
// It returns the updated Encoder, so calls can be chained.
func (e *Encoder) WithConfidence(c float64) *Encoder {
	e.confidence = c
	return e
}

// WithConfusionMatrix replaces the encoding of class k with row k of the
// given (numClasses, numClasses) Float32 or Float64 tensor. Rows must be
// non-negative and sum to 1, e.g. a class-confusion estimate from a previous
// model generation.
//
// It cannot be combined with WithConfidence.
// It returns the updated Encoder, so calls can be chained.
func (e *Encoder) WithConfusionMatrix(matrix *tensors.Tensor) *Encoder {
	e.matrix = matrix
	return e
}

// NumClasses returns the number of classes the Encoder was created for.
func (e *Encoder) NumClasses() int { return e.numClasses }

// Validate checks the configuration and returns an error describing the
// first invalid parameter. Batch calls it automatically.
func (e *Encoder) Validate() error {
	if e.numClasses < 1 {
		return errors.Errorf("number of classes must be at least 1, got %d", e.numClasses)
	}
	switch e.dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16:
	default:
		return errors.Errorf("encoding dtype must be Float32, Float64, Float16 or BFloat16, got %s", e.dtype)
	}
	if e.confidence <= 0 || e.confidence > 1 {
		return errors.Errorf("confidence must be in (0, 1], got %g", e.confidence)
	}
	if e.matrix != nil && e.confidence != 1 {
		return errors.New("scalar confidence and a confusion matrix are mutually exclusive")
	}
	if e.confidence < 1 && e.numClasses < 2 {
		return errors.Errorf("label smoothing with confidence %g requires at least 2 classes", e.confidence)
	}
	if e.matrix != nil {
		rows, err := e.matrixRows()
		if err != nil {
			return err
		}
		for i, row := range rows {
			sum := 0.0
			for _, v := range row {
				if v < 0 {
					return errors.Errorf("confusion matrix row %d holds negative entry %g", i, v)
				}
				sum += v
			}
			if math.Abs(sum-1) > 1e-6 {
				return errors.Errorf("confusion matrix row %d sums to %g, want 1", i, sum)
			}
		}
	}
	return nil
}

// Batch encodes a tensor of integer labels (dtype Int32 or Int64, any rank
// >= 1) into a tensor with one extra trailing axis of size numClasses: a
// labels tensor shaped (batch, pixels) becomes (batch, pixels, numClasses).
// Labels outside [0, numClasses) are an error.
func (e *Encoder) Batch(labels *tensors.Tensor) (*tensors.Tensor, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if labels == nil {
		return nil, errors.New("labels tensor must not be nil")
	}
	if labels.Rank() < 1 {
		return nil, errors.Errorf("labels must have rank at least 1, got shape %s", labels.Shape())
	}
	indices, err := labelIndices(labels)
	if err != nil {
		return nil, err
	}
	for i, class := range indices {
		if class < 0 || class >= e.numClasses {
			return nil, errors.Errorf("label %d at flat position %d is out of range [0, %d)",
				class, i, e.numClasses)
		}
	}

	rows, err := e.classRows()
	if err != nil {
		return nil, err
	}
	outDims := append(slices.Clone(labels.Shape().Dimensions), e.numClasses)
	encoded := tensors.FromShape(shapes.Make(e.dtype, outDims...))
	switch e.dtype {
	case dtypes.Float32:
		fillRows(encoded, indices, rows, func(v float64) float32 { return float32(v) })
	case dtypes.Float64:
		fillRows(encoded, indices, rows, func(v float64) float64 { return v })
	case dtypes.Float16:
		fillRows(encoded, indices, rows, func(v float64) float16.Float16 { return float16.Fromfloat32(float32(v)) })
	case dtypes.BFloat16:
		fillRows(encoded, indices, rows, func(v float64) bfloat16.BFloat16 { return bfloat16.FromFloat32(float32(v)) })
	}
	return encoded, nil
}

// classRows builds the numClasses x numClasses table of encodings, one row
// per class.
func (e *Encoder) classRows() ([][]float64, error) {
	if e.matrix != nil {
		return e.matrixRows()
	}
	rows := make([][]float64, e.numClasses)
	for class := range rows {
		row := make([]float64, e.numClasses)
		if e.confidence < 1 {
			spread := (1 - e.confidence) / float64(e.numClasses-1)
			for j := range row {
				row[j] = spread
			}
		}
		row[class] = e.confidence
		rows[class] = row
	}
	return rows, nil
}

// matrixRows extracts the confusion matrix as float64 rows, checking its
// shape and dtype.
func (e *Encoder) matrixRows() ([][]float64, error) {
	if err := e.matrix.Shape().CheckDims(e.numClasses, e.numClasses); err != nil {
		return nil, errors.WithMessagef(err, "confusion matrix must be shaped (%d, %d)", e.numClasses, e.numClasses)
	}
	var flat64 []float64
	switch e.matrix.DType() {
	case dtypes.Float32:
		flat64 = make([]float64, e.matrix.Size())
		tensors.MustConstFlatData[float32](e.matrix, func(flat []float32) {
			for i, v := range flat {
				flat64[i] = float64(v)
			}
		})
	case dtypes.Float64:
		flat64 = tensors.MustCopyFlatData[float64](e.matrix)
	default:
		return nil, errors.Errorf("confusion matrix dtype must be Float32 or Float64, got %s", e.matrix.DType())
	}
	rows := make([][]float64, e.numClasses)
	for i := range rows {
		rows[i] = flat64[i*e.numClasses : (i+1)*e.numClasses]
	}
	return rows, nil
}

func labelIndices(labels *tensors.Tensor) ([]int, error) {
	switch labels.DType() {
	case dtypes.Int32:
		return copyIndices[int32](labels), nil
	case dtypes.Int64:
		return copyIndices[int64](labels), nil
	default:
		return nil, errors.Errorf("labels dtype %s not supported for encoding, use Int32 or Int64", labels.DType())
	}
}

func copyIndices[L interface{ int32 | int64 }](labels *tensors.Tensor) []int {
	indices := make([]int, labels.Size())
	tensors.MustConstFlatData[L](labels, func(flat []L) {
		for i, v := range flat {
			indices[i] = int(v)
		}
	})
	return indices
}

func fillRows[T dtypes.Supported](encoded *tensors.Tensor, indices []int, rows [][]float64, convert func(float64) T) {
	numClasses := len(rows)
	tensors.MustMutableFlatData[T](encoded, func(flat []T) {
		for i, class := range indices {
			base := i * numClasses
			for j, v := range rows[class] {
				flat[base+j] = convert(v)
			}
		}
	})
}
