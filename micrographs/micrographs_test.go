// Copyright 2026 The pixelsets Authors. SPDX-License-Identifier: Apache-2.0

package micrographs

import (
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeGrayPNG writes a size x size gray image whose pixel (y, x) has the
// value valueAt(y, x).
func writeGrayPNG(t *testing.T, filePath string, height, width int, valueAt func(y, x int) uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: valueAt(y, x)})
		}
	}
	f, err := os.Create(filePath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// writeGrayGIF writes the same kind of image as a GIF with an exact gray
// palette, so values survive the encoding.
func writeGrayGIF(t *testing.T, filePath string, height, width int, valueAt func(y, x int) uint8) {
	t.Helper()
	seen := map[uint8]uint8{}
	var palette color.Palette
	img := image.NewPaletted(image.Rect(0, 0, width, height), nil)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := valueAt(y, x)
			idx, found := seen[v]
			if !found {
				idx = uint8(len(palette))
				palette = append(palette, color.Gray{Y: v})
				seen[v] = idx
			}
			img.SetColorIndex(x, y, idx)
		}
	}
	img.Palette = palette
	f, err := os.Create(filePath)
	require.NoError(t, err)
	require.NoError(t, gif.Encode(f, img, nil))
	require.NoError(t, f.Close())
}

func TestLoaderDone(t *testing.T) {
	dir := t.TempDir()
	intensity := func(y, x int) uint8 { return uint8(10*y + x) }
	classId := func(y, x int) uint8 { return uint8((y + x) % 4) }

	// Two proper pairs (one mask as GIF), one micrograph without a mask and
	// one unrelated file.
	writeGrayPNG(t, path.Join(dir, "b.png"), 4, 4, intensity)
	writeGrayGIF(t, path.Join(dir, "b_mask.gif"), 4, 4, classId)
	writeGrayPNG(t, path.Join(dir, "a.png"), 4, 4, intensity)
	writeGrayPNG(t, path.Join(dir, "a_mask.png"), 4, 4, classId)
	writeGrayPNG(t, path.Join(dir, "orphan.png"), 4, 4, intensity)
	require.NoError(t, os.WriteFile(path.Join(dir, "notes.txt"), []byte("not an image"), 0644))

	images, labels, names, err := NewLoader(dir).Done()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names)
	require.NoError(t, images.Shape().Check(dtypes.Float32, 2, 4, 4, 1))
	require.NoError(t, labels.Shape().Check(dtypes.Int32, 2, 4, 4))

	var imgData []float32
	images.MustConstFlatData(func(flat any) { imgData = flat.([]float32) })
	var lblData []int32
	labels.MustConstFlatData(func(flat any) { lblData = flat.([]int32) })
	for slot := 0; slot < 2; slot++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				i := (slot*4+y)*4 + x
				assert.InDelta(t, float64(intensity(y, x))/255, imgData[i], 1e-6)
				assert.Equal(t, int32(classId(y, x)), lblData[i])
			}
		}
	}
}

func TestLoaderSkipsMasklessMicrographs(t *testing.T) {
	dir := t.TempDir()
	writeGrayPNG(t, path.Join(dir, "kept.png"), 2, 2, func(y, x int) uint8 { return 7 })
	writeGrayPNG(t, path.Join(dir, "kept_mask.png"), 2, 2, func(y, x int) uint8 { return 1 })
	writeGrayPNG(t, path.Join(dir, "stray.png"), 2, 2, func(y, x int) uint8 { return 9 })

	images, labels, names, err := NewLoader(dir).Done()
	require.NoError(t, err)
	require.Equal(t, []string{"kept"}, names)
	require.NoError(t, images.Shape().Check(dtypes.Float32, 1, 2, 2, 1))
	require.NoError(t, labels.Shape().Check(dtypes.Int32, 1, 2, 2))
	// Only the paired micrograph's intensities made it into the corpus.
	images.MustConstFlatData(func(flat any) {
		for _, v := range flat.([]float32) {
			assert.InDelta(t, 7.0/255, v, 1e-6)
		}
	})
}

func TestLoaderWithDTypeAndSuffix(t *testing.T) {
	dir := t.TempDir()
	writeGrayPNG(t, path.Join(dir, "x.png"), 2, 3, func(y, x int) uint8 { return 255 })
	writeGrayPNG(t, path.Join(dir, "x-label.png"), 2, 3, func(y, x int) uint8 { return 1 })

	images, labels, names, err := NewLoader(dir).
		WithMaskSuffix("-label").
		WithDType(dtypes.Float64).
		Done()
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, names)
	require.NoError(t, images.Shape().Check(dtypes.Float64, 1, 2, 3, 1))
	images.MustConstFlatData(func(flat any) {
		for _, v := range flat.([]float64) {
			assert.Equal(t, 1.0, v)
		}
	})
	labels.MustConstFlatData(func(flat any) {
		for _, v := range flat.([]int32) {
			assert.Equal(t, int32(1), v)
		}
	})
}

func TestLoaderResizeTo(t *testing.T) {
	dir := t.TempDir()
	// Constant intensity survives any resampling; class ids must survive
	// nearest-neighbor exactly.
	writeGrayPNG(t, path.Join(dir, "big.png"), 8, 8, func(y, x int) uint8 { return 100 })
	writeGrayPNG(t, path.Join(dir, "big_mask.png"), 8, 8, func(y, x int) uint8 { return uint8(y % 3) })
	writeGrayPNG(t, path.Join(dir, "small.png"), 4, 6, func(y, x int) uint8 { return 100 })
	writeGrayPNG(t, path.Join(dir, "small_mask.png"), 4, 6, func(y, x int) uint8 { return 2 })

	images, labels, names, err := NewLoader(dir).ResizeTo(4, 4).Done()
	require.NoError(t, err)
	require.Equal(t, []string{"big", "small"}, names)
	require.NoError(t, images.Shape().Check(dtypes.Float32, 2, 4, 4, 1))
	require.NoError(t, labels.Shape().Check(dtypes.Int32, 2, 4, 4))
	images.MustConstFlatData(func(flat any) {
		for _, v := range flat.([]float32) {
			assert.InDelta(t, 100.0/255, v, 1e-6)
		}
	})
	labels.MustConstFlatData(func(flat any) {
		for i, v := range flat.([]int32) {
			if i < 16 {
				assert.Contains(t, []int32{0, 1, 2}, v, "nearest-neighbor must not invent class ids")
			} else {
				assert.Equal(t, int32(2), v)
			}
		}
	})
}

func TestLoaderErrors(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		_, _, _, err := NewLoader(path.Join(t.TempDir(), "nope")).Done()
		require.ErrorContains(t, err, "cannot list corpus directory")
	})

	t.Run("no pairs", func(t *testing.T) {
		dir := t.TempDir()
		writeGrayPNG(t, path.Join(dir, "only.png"), 2, 2, func(y, x int) uint8 { return 0 })
		_, _, _, err := NewLoader(dir).Done()
		require.ErrorContains(t, err, "no micrograph+mask pairs")
	})

	t.Run("duplicate stem", func(t *testing.T) {
		dir := t.TempDir()
		writeGrayPNG(t, path.Join(dir, "clover.png"), 2, 2, func(y, x int) uint8 { return 0 })
		writeGrayGIF(t, path.Join(dir, "clover.gif"), 2, 2, func(y, x int) uint8 { return 0 })
		_, _, _, err := NewLoader(dir).Done()
		require.ErrorContains(t, err, `both "clover.gif" and "clover.png" would be corpus entry "clover"`)
	})

	t.Run("mask size mismatch", func(t *testing.T) {
		dir := t.TempDir()
		writeGrayPNG(t, path.Join(dir, "a.png"), 4, 4, func(y, x int) uint8 { return 0 })
		writeGrayPNG(t, path.Join(dir, "a_mask.png"), 3, 4, func(y, x int) uint8 { return 0 })
		_, _, _, err := NewLoader(dir).Done()
		require.ErrorContains(t, err, "mask")
	})

	t.Run("mixed sizes without resize", func(t *testing.T) {
		dir := t.TempDir()
		writeGrayPNG(t, path.Join(dir, "a.png"), 4, 4, func(y, x int) uint8 { return 0 })
		writeGrayPNG(t, path.Join(dir, "a_mask.png"), 4, 4, func(y, x int) uint8 { return 0 })
		writeGrayPNG(t, path.Join(dir, "b.png"), 5, 5, func(y, x int) uint8 { return 0 })
		writeGrayPNG(t, path.Join(dir, "b_mask.png"), 5, 5, func(y, x int) uint8 { return 0 })
		_, _, _, err := NewLoader(dir).Done()
		require.ErrorContains(t, err, "ResizeTo")
	})

	t.Run("bad dtype", func(t *testing.T) {
		_, _, _, err := NewLoader(t.TempDir()).WithDType(dtypes.Int32).Done()
		require.ErrorContains(t, err, "Float32 or Float64")
	})

	t.Run("bad resize", func(t *testing.T) {
		_, _, _, err := NewLoader(t.TempDir()).ResizeTo(4, 0).Done()
		require.ErrorContains(t, err, "resize")
	})

	t.Run("empty mask suffix", func(t *testing.T) {
		_, _, _, err := NewLoader(t.TempDir()).WithMaskSuffix("").Done()
		require.ErrorContains(t, err, "suffix")
	})
}
