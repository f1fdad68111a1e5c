// Copyright 2026 The pixelsets Authors. SPDX-License-Identifier: Apache-2.0

// Package micrographs loads corpora of micrograph images with per-pixel
// annotation masks into the tensors the sampling package consumes: a rank-4
// (numImages, height, width, 1) tensor of grayscale intensities and a rank-3
// (numImages, height, width) tensor of integer class labels.
//
// Two storage layouts are supported: a directory of image files with sibling
// mask files (Loader), and HDF5 archives holding pre-stacked image and label
// arrays (LoadHDF5).
package micrographs

import (
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// imageExtensions are the file extensions the Loader recognizes, for both
// micrographs and their masks.
var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif"}

// Loader reads a directory holding micrograph images and their annotation
// masks. A micrograph named `grain.png` pairs with the mask `grain_mask.png`
// (any recognized extension works for either file, and the suffix is
// configurable). Masks encode the class id of each pixel as its 8-bit gray
// value.
//
// Create it with NewLoader, adjust it with the chainable configuration
// methods and call Done to load the corpus.
type Loader struct {
	dir          string
	maskSuffix   string
	dtype        dtypes.DType
	resizeHeight int
	resizeWidth  int
	showProgress bool
}

// NewLoader creates a Loader for the given directory.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:        dir,
		maskSuffix: "_mask",
		dtype:      dtypes.Float32,
	}
}

// WithMaskSuffix sets the file name suffix that marks a file as the mask of
// the like-named micrograph. Default is "_mask".
// It returns the updated Loader, so calls can be chained.
func (l *Loader) WithMaskSuffix(suffix string) *Loader {
	l.maskSuffix = suffix
	return l
}

// WithDType sets the dtype of the images tensor: Float32 (default) or
// Float64. Pixel intensities are scaled to [0, 1] either way.
// It returns the updated Loader, so calls can be chained.
func (l *Loader) WithDType(dtype dtypes.DType) *Loader {
	l.dtype = dtype
	return l
}

// ResizeTo resizes every micrograph to height x width while loading, using
// Lanczos resampling for the images and nearest-neighbor for the masks, so
// class ids are never blended. Without it all micrographs must already share
// the same dimensions.
// It returns the updated Loader, so calls can be chained.
func (l *Loader) ResizeTo(height, width int) *Loader {
	l.resizeHeight = height
	l.resizeWidth = width
	return l
}

// ProgressBar displays loading progress, useful for larger corpora.
// It returns the updated Loader, so calls can be chained.
func (l *Loader) ProgressBar() *Loader {
	l.showProgress = true
	return l
}

// pairEntry is one discovered micrograph+mask file pair.
type pairEntry struct {
	stem      string
	imagePath string
	maskPath  string
}

// Done loads the corpus according to the configuration. It returns the
// images tensor (numImages, height, width, 1), the labels tensor
// (numImages, height, width) of dtype Int32, and the corpus entry names
// (file names without extension), sorted by name.
//
// Micrographs without a mask are skipped with a warning. A mask must have
// the same dimensions as its micrograph.
func (l *Loader) Done() (images, labels *tensors.Tensor, names []string, err error) {
	switch l.dtype {
	case dtypes.Float32, dtypes.Float64:
	default:
		return nil, nil, nil, errors.Errorf("images dtype must be Float32 or Float64, got %s", l.dtype)
	}
	if l.maskSuffix == "" {
		return nil, nil, nil, errors.New("mask suffix must not be empty")
	}
	if l.resizeHeight < 0 || l.resizeWidth < 0 || (l.resizeHeight == 0) != (l.resizeWidth == 0) {
		return nil, nil, nil, errors.Errorf("resize dimensions must both be positive, got %dx%d",
			l.resizeHeight, l.resizeWidth)
	}

	pairs, err := l.findPairs()
	if err != nil {
		return nil, nil, nil, err
	}
	if len(pairs) == 0 {
		return nil, nil, nil, errors.Errorf("no micrograph+mask pairs found in %q", l.dir)
	}

	var bar *progressbar.ProgressBar
	if l.showProgress {
		bar = progressbar.Default(int64(len(pairs)), "loading micrographs")
	}

	height, width := l.resizeHeight, l.resizeWidth
	names = make([]string, 0, len(pairs))
	for slot, pair := range pairs {
		img, mask, err := l.loadPair(pair)
		if err != nil {
			return nil, nil, nil, err
		}
		bounds := img.Bounds()
		if images == nil {
			if height == 0 {
				height, width = bounds.Dy(), bounds.Dx()
			}
			images = tensors.FromShape(shapes.Make(l.dtype, len(pairs), height, width, 1))
			labels = tensors.FromShape(shapes.Make(dtypes.Int32, len(pairs), height, width))
		}
		if bounds.Dy() != height || bounds.Dx() != width {
			return nil, nil, nil, errors.Errorf("micrograph %q is %dx%d while earlier ones are %dx%d; use ResizeTo to mix sizes",
				pair.imagePath, bounds.Dy(), bounds.Dx(), height, width)
		}
		switch l.dtype {
		case dtypes.Float32:
			writeIntensities[float32](images, slot, img)
		case dtypes.Float64:
			writeIntensities[float64](images, slot, img)
		}
		writeClassIds(labels, slot, mask)
		names = append(names, pair.stem)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	klog.V(1).Infof("loaded %d micrograph pairs (%dx%d) from %q: %s of tensors",
		len(pairs), height, width, l.dir,
		humanize.Bytes(uint64(images.Shape().Memory()+labels.Shape().Memory())))
	return images, labels, names, nil
}

// findPairs lists the directory and matches micrographs to their masks,
// sorted by entry name for determinism.
func (l *Loader) findPairs() ([]pairEntry, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list corpus directory %q", l.dir)
	}
	byStem := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(path.Ext(name))
		if !recognizedExtension(ext) {
			continue
		}
		stem := strings.TrimSuffix(name, path.Ext(name))
		if prev, duplicate := byStem[stem]; duplicate {
			return nil, errors.Errorf("both %q and %q would be corpus entry %q", prev, name, stem)
		}
		byStem[stem] = name
	}

	var pairs []pairEntry
	for stem, name := range byStem {
		if strings.HasSuffix(stem, l.maskSuffix) {
			// Mask files are not corpus entries of their own.
			continue
		}
		maskName, found := byStem[stem+l.maskSuffix]
		if !found {
			klog.Warningf("micrograph %q has no %q mask, skipping", name, stem+l.maskSuffix)
			continue
		}
		pairs = append(pairs, pairEntry{
			stem:      stem,
			imagePath: path.Join(l.dir, name),
			maskPath:  path.Join(l.dir, maskName),
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].stem < pairs[j].stem })
	return pairs, nil
}

func recognizedExtension(ext string) bool {
	for _, known := range imageExtensions {
		if ext == known {
			return true
		}
	}
	return false
}

// loadPair decodes one micrograph+mask pair and resizes it if configured.
func (l *Loader) loadPair(pair pairEntry) (img, mask image.Image, err error) {
	img, err = decodeImageFile(pair.imagePath)
	if err != nil {
		return nil, nil, err
	}
	mask, err = decodeImageFile(pair.maskPath)
	if err != nil {
		return nil, nil, err
	}
	if !mask.Bounds().Size().Eq(img.Bounds().Size()) {
		return nil, nil, errors.Errorf("mask %q is %v while micrograph %q is %v",
			pair.maskPath, mask.Bounds().Size(), pair.imagePath, img.Bounds().Size())
	}
	if l.resizeHeight > 0 {
		img = imaging.Resize(img, l.resizeWidth, l.resizeHeight, imaging.Lanczos)
		mask = imaging.Resize(mask, l.resizeWidth, l.resizeHeight, imaging.NearestNeighbor)
	}
	return img, mask, nil
}

func decodeImageFile(filePath string) (image.Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode image %q", filePath)
	}
	return img, nil
}

// grayValue returns the pixel's 8-bit gray value, converting color inputs to
// their luminance.
func grayValue(img image.Image, x, y int) uint8 {
	return color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
}

// writeIntensities fills the images tensor slot with the micrograph's gray
// values scaled to [0, 1].
func writeIntensities[T interface{ float32 | float64 }](images *tensors.Tensor, slot int, img image.Image) {
	bounds := img.Bounds()
	height, width := bounds.Dy(), bounds.Dx()
	tensors.MustMutableFlatData[T](images, func(flat []T) {
		base := slot * height * width
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				flat[base+y*width+x] = T(grayValue(img, bounds.Min.X+x, bounds.Min.Y+y)) / 255
			}
		}
	})
}

// writeClassIds fills the labels tensor slot with the mask's gray values,
// which encode the class ids directly.
func writeClassIds(labels *tensors.Tensor, slot int, mask image.Image) {
	bounds := mask.Bounds()
	height, width := bounds.Dy(), bounds.Dx()
	tensors.MustMutableFlatData[int32](labels, func(flat []int32) {
		base := slot * height * width
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				flat[base+y*width+x] = int32(grayValue(mask, bounds.Min.X+x, bounds.Min.Y+y))
			}
		}
	})
}
