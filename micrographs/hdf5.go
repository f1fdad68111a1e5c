// Copyright 2026 The pixelsets Authors. SPDX-License-Identifier: Apache-2.0

package micrographs

import (
	"bytes"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// h5dumpBinary is the external tool used to read HDF5 archives. It ships
// with the hdf5-tools package; no cgo binding is needed.
const h5dumpBinary = "h5dump"

// HDF5Contents indexes the arrays of an HDF5 archive by key, the group path
// of the array within the archive, e.g. "/images".
type HDF5Contents map[string]*HDF5Array

// HDF5Array describes one array of an HDF5 archive: its key, dtype and
// shape, parsed from the archive headers. Arrays whose element type or
// dataspace has no tensor equivalent keep an invalid Shape and cannot be
// extracted.
type HDF5Array struct {
	FilePath, Key, RawHeader string
	DType                    dtypes.DType
	Shape                    shapes.Shape
}

// ParseHDF5 lists the arrays of the HDF5 archive at filePath. Only metadata
// is read; use HDF5Array.ToTensor to extract data.
//
// It shells out to the h5dump binary, which must be in PATH.
func ParseHDF5(filePath string) (HDF5Contents, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 archive %q", filePath)
	}
	listing, err := execH5Dump("--contents", filePath)
	if err != nil {
		return nil, err
	}
	contents, err := parseContentsListing(filePath, string(listing))
	if err != nil {
		return nil, err
	}

	headerArgs := make([]string, 0, len(contents)+2)
	headerArgs = append(headerArgs, "--header")
	for _, key := range contents.Keys() {
		headerArgs = append(headerArgs, "--dataset="+key)
	}
	headerArgs = append(headerArgs, filePath)
	headerDump, err := execH5Dump(headerArgs...)
	if err != nil {
		return nil, err
	}
	if err := parseArrayHeaders(string(headerDump), contents); err != nil {
		return nil, err
	}
	return contents, nil
}

// Keys returns the arrays' keys in sorted order.
func (c HDF5Contents) Keys() []string {
	keys := make([]string, 0, len(c))
	for key := range c {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

var (
	regexpH5ListingEntry = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	regexpH5HeaderKey    = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	regexpH5HeaderType   = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	regexpH5HeaderSpace  = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
)

// parseContentsListing extracts the array keys from `h5dump --contents`
// output.
func parseContentsListing(filePath, listing string) (HDF5Contents, error) {
	matches := regexpH5ListingEntry.FindAllStringSubmatch(listing, -1)
	contents := make(HDF5Contents, len(matches))
	for _, match := range matches {
		key := match[1]
		contents[key] = &HDF5Array{FilePath: filePath, Key: key}
	}
	if len(contents) == 0 {
		return nil, errors.Errorf("no arrays found in HDF5 archive %q", filePath)
	}
	return contents, nil
}

// parseArrayHeaders fills in dtype and shape from `h5dump --header` output.
// Arrays whose element type or dataspace cannot be mapped to a tensor are
// left with an invalid Shape and a notice is logged.
func parseArrayHeaders(headerDump string, contents HDF5Contents) error {
	parts := strings.Split(headerDump, "DATASET")
	if len(parts)-1 != len(contents) {
		return errors.Errorf("expected headers for %d arrays, h5dump returned %d", len(contents), len(parts)-1)
	}
	for _, part := range parts[1:] {
		matches := regexpH5HeaderKey.FindStringSubmatch(part)
		if len(matches) != 2 {
			return errors.Errorf("cannot parse array header %q", part)
		}
		key := matches[1]
		arr, found := contents[key]
		if !found {
			return errors.Errorf("h5dump returned a header for unknown array %q", key)
		}
		arr.RawHeader = "DATASET" + part

		matches = regexpH5HeaderType.FindStringSubmatch(part)
		if len(matches) != 2 {
			klog.Infof("HDF5 array %q has no parseable element type, skipping", key)
			continue
		}
		arr.DType = dtypeForH5Type(matches[1])
		if arr.DType == dtypes.InvalidDType {
			klog.Infof("HDF5 array %q has element type %s with no tensor equivalent, skipping", key, matches[1])
			continue
		}

		matches = regexpH5HeaderSpace.FindStringSubmatch(part)
		if len(matches) != 4 {
			klog.Infof("HDF5 array %q has no parseable dataspace, skipping", key)
			continue
		}
		switch matches[1] {
		case "SCALAR":
			arr.Shape = shapes.Make(arr.DType)
		case "SIMPLE":
			dims, err := parseDimsList(matches[3])
			if err != nil {
				klog.Infof("HDF5 array %q has unparseable dimensions %q, skipping", key, matches[3])
				continue
			}
			arr.Shape = shapes.Make(arr.DType, dims...)
		default:
			klog.Infof("HDF5 array %q has dataspace %s with no tensor equivalent, skipping", key, matches[1])
		}
	}
	return nil
}

func parseDimsList(list string) ([]int, error) {
	parts := strings.Split(list, ",")
	dims := make([]int, 0, len(parts))
	for _, part := range parts {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		dims = append(dims, dim)
	}
	return dims, nil
}

// dtypeForH5Type maps h5dump element type names to dtypes; unsupported types
// map to dtypes.InvalidDType.
func dtypeForH5Type(h5type string) dtypes.DType {
	switch h5type {
	case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
		return dtypes.Float32
	case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
		return dtypes.Float64
	case "H5T_STD_I32LE", "H5T_STD_I32BE":
		return dtypes.Int32
	case "H5T_STD_I64LE", "H5T_STD_I64BE":
		return dtypes.Int64
	case "H5T_STD_U8LE", "H5T_STD_U8BE":
		return dtypes.Uint8
	}
	return dtypes.InvalidDType
}

func execH5Dump(args ...string) ([]byte, error) {
	binPath, err := exec.LookPath(h5dumpBinary)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find %q in PATH, needed to read HDF5 archives; install the hdf5-tools package", h5dumpBinary)
	}
	klog.V(2).Infof("running %s %s", binPath, strings.Join(args, " "))
	cmd := exec.Command(binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "%q failed, stderr:\n%s", cmd, stderr.String())
	}
	return stdout.Bytes(), nil
}

// Load extracts the array's raw bytes in the machine's native layout,
// through a temporary file.
func (a *HDF5Array) Load() ([]byte, error) {
	tmpFile, err := os.CreateTemp("", "pixelsets_hdf5")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot create temporary file to extract HDF5 array")
	}
	defer func() {
		if err := os.Remove(tmpFile.Name()); err != nil {
			klog.Warningf("cannot remove temporary file %q: %v", tmpFile.Name(), err)
		}
	}()
	if _, err := execH5Dump("--dataset="+a.Key, "--binary=NATIVE", "--output="+tmpFile.Name(), a.FilePath); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read extracted HDF5 array back from %q", tmpFile.Name())
	}
	return raw, nil
}

// ToTensor extracts the array into a freshly allocated tensor of its parsed
// shape.
func (a *HDF5Array) ToTensor() (*tensors.Tensor, error) {
	if !a.Shape.Ok() {
		return nil, errors.Errorf("HDF5 array %q has no tensor-compatible element type and dataspace", a.Key)
	}
	raw, err := a.Load()
	if err != nil {
		return nil, err
	}
	t := tensors.FromShape(a.Shape)
	var sizeErr error
	if err := t.MutableBytes(func(data []byte) {
		if len(raw) != len(data) {
			sizeErr = errors.Errorf("HDF5 array %q: extracted %d bytes, shape %s needs %d",
				a.Key, len(raw), a.Shape, len(data))
			return
		}
		copy(data, raw)
	}); err != nil {
		return nil, err
	}
	if sizeErr != nil {
		return nil, sizeErr
	}
	return t, nil
}

// LoadHDF5 loads a micrograph corpus stored as two arrays of one HDF5
// archive: the stacked images under imagesKey and the matching per-pixel
// class labels under labelsKey.
//
// The arrays are normalized to the layout the sampling package consumes:
// rank-3 image stacks receive a trailing channel axis of 1, Uint8 image
// intensities convert to Float32 scaled to [0, 1], and Uint8 labels convert
// to Int32.
func LoadHDF5(filePath, imagesKey, labelsKey string) (images, labels *tensors.Tensor, err error) {
	contents, err := ParseHDF5(filePath)
	if err != nil {
		return nil, nil, err
	}
	imagesArr, found := contents[imagesKey]
	if !found {
		return nil, nil, errors.Errorf("HDF5 archive %q has no %q array, it holds %v", filePath, imagesKey, contents.Keys())
	}
	labelsArr, found := contents[labelsKey]
	if !found {
		return nil, nil, errors.Errorf("HDF5 archive %q has no %q array, it holds %v", filePath, labelsKey, contents.Keys())
	}
	images, err = imagesArr.ToTensor()
	if err != nil {
		return nil, nil, err
	}
	labels, err = labelsArr.ToTensor()
	if err != nil {
		return nil, nil, err
	}
	return normalizeCorpus(images, labels)
}

// normalizeCorpus converts freshly extracted image and label arrays into the
// corpus layout: rank-4 float images, rank-3 integer labels, matching on the
// first three axes.
func normalizeCorpus(images, labels *tensors.Tensor) (*tensors.Tensor, *tensors.Tensor, error) {
	var err error
	if images.Rank() == 3 {
		images, err = withUnitChannelAxis(images)
		if err != nil {
			return nil, nil, err
		}
	}
	if images.Rank() != 4 {
		return nil, nil, errors.Errorf("images array must be rank-3 or rank-4, got shape %s", images.Shape())
	}
	switch images.DType() {
	case dtypes.Float32, dtypes.Float64:
	case dtypes.Uint8:
		images = bytesToUnitFloats(images)
	default:
		return nil, nil, errors.Errorf("images array dtype %s not supported, use Float32, Float64 or Uint8", images.DType())
	}

	if labels.Rank() != 3 {
		return nil, nil, errors.Errorf("labels array must be rank-3, got shape %s", labels.Shape())
	}
	switch labels.DType() {
	case dtypes.Int32, dtypes.Int64:
	case dtypes.Uint8:
		labels = bytesToInt32(labels)
	default:
		return nil, nil, errors.Errorf("labels array dtype %s not supported, use Int32, Int64 or Uint8", labels.DType())
	}

	for axis := 0; axis < 3; axis++ {
		if images.Shape().Dimensions[axis] != labels.Shape().Dimensions[axis] {
			return nil, nil, errors.Errorf("images and labels dimensions differ on axis %d: images=%s, labels=%s",
				axis, images.Shape(), labels.Shape())
		}
	}
	return images, labels, nil
}

// withUnitChannelAxis reinterprets a rank-3 stack as rank-4 with a single
// channel. Appending a unit axis keeps the flat layout, so the bytes copy
// unchanged.
func withUnitChannelAxis(t *tensors.Tensor) (*tensors.Tensor, error) {
	dims := t.Shape().Dimensions
	out := tensors.FromShape(shapes.Make(t.DType(), dims[0], dims[1], dims[2], 1))
	var innerErr error
	err := t.ConstBytes(func(src []byte) {
		innerErr = out.MutableBytes(func(dst []byte) {
			copy(dst, src)
		})
	})
	if err != nil {
		return nil, err
	}
	if innerErr != nil {
		return nil, innerErr
	}
	return out, nil
}

func bytesToUnitFloats(t *tensors.Tensor) *tensors.Tensor {
	out := tensors.FromShape(shapes.Make(dtypes.Float32, t.Shape().Dimensions...))
	tensors.MustConstFlatData[uint8](t, func(src []uint8) {
		tensors.MustMutableFlatData[float32](out, func(dst []float32) {
			for i, v := range src {
				dst[i] = float32(v) / 255
			}
		})
	})
	return out
}

func bytesToInt32(t *tensors.Tensor) *tensors.Tensor {
	out := tensors.FromShape(shapes.Make(dtypes.Int32, t.Shape().Dimensions...))
	tensors.MustConstFlatData[uint8](t, func(src []uint8) {
		tensors.MustMutableFlatData[int32](out, func(dst []int32) {
			for i, v := range src {
				dst[i] = int32(v)
			}
		})
	})
	return out
}
