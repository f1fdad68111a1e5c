// Copyright 2026 The pixelsets Authors. SPDX-License-Identifier: Apache-2.0

// pixelsets samples pixel-wise training batches from a micrograph corpus
// and reports corpus and batch statistics.
//
// The corpus is either a directory of image files paired with label masks
// ("x.png" + "x_mask.png") or an HDF5 archive with stacked images and labels
// arrays:
//
//	pixelsets -batch=8 -pixels=1024 -stratified corpus/
//	pixelsets -images=/images -labels=/labels -take=32 corpus.h5
//
// It pulls -take batches through the same dataset pipeline a training loop
// would use and prints the sampled class histogram, so imbalance and
// augmentation settings can be checked before a long run.
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/micrograph-ml/pixelsets/categorical"
	"github.com/micrograph-ml/pixelsets/micrographs"
	"github.com/micrograph-ml/pixelsets/sampling"
	"github.com/micrograph-ml/pixelsets/transforms"
)

var (
	flagImagesKey  = flag.String("images", "images", "Key of the images array inside an HDF5 corpus.")
	flagLabelsKey  = flag.String("labels", "labels", "Key of the labels array inside an HDF5 corpus.")
	flagMaskSuffix = flag.String("mask_suffix", "_mask", "File stem suffix marking label masks in a corpus directory.")
	flagResize     = flag.String("resize", "", "Resize corpus images to HEIGHTxWIDTH while loading, e.g. 256x256. "+
		"Only for directory corpora.")
	flagClasses = flag.Int("classes", 0, "Number of classes of the corpus. 0 infers it from the highest label found.")

	flagBatch      = flag.Int("batch", 4, "Images per batch.")
	flagPixels     = flag.Int("pixels", 2048, "Pixel coordinates sampled per image.")
	flagStratified = flag.Bool("stratified", false, "Balance sampled pixels across classes instead of sampling uniformly.")
	flagNoRepeat   = flag.Bool("without_replacement", false, "Draw distinct corpus images within each batch.")
	flagCrop       = flag.Int("crop", 0, "Random-crop batches to this size, 0 disables.")

	flagFlipH     = flag.Bool("flip_h", false, "Randomly mirror images left-right.")
	flagFlipV     = flag.Bool("flip_v", false, "Randomly mirror images top-bottom.")
	flagRotate    = flag.Float64("rotate", 0, "Rotate by a random angle up to this many degrees, 0 disables.")
	flagZoom      = flag.Float64("zoom", 0, "Zoom by a random factor drawn from [1, 1+fraction), 0 disables.")
	flagIntensity = flag.Float64("intensity", 0, "Shift intensities by a random fraction of each image's value range, 0 disables.")

	flagCategorical = flag.Bool("categorical", false, "One-hot encode the sampled labels.")
	flagConfidence  = flag.Float64("confidence", 1, "Confidence of the true class when encoding, <1 smooths over the others.")

	flagSeed     = flag.Int64("seed", 0, "Seed for all random draws. 0 seeds from the current time.")
	flagTake     = flag.Int("take", 8, "Number of batches to generate.")
	flagParallel = flag.Int("parallel", 0, "Prefetch batches with this many parallel workers, 0 disables.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing corpus to sample from, a directory of image+mask files or an HDF5 archive. See 'pixelsets -help'.")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'pixelsets -help'.")
		os.Exit(1)
	}
	err := exceptions.TryCatch[error](func() { run(args[0]) })
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

func run(corpusPath string) {
	images, labels := loadCorpus(corpusPath)
	numClasses := *flagClasses
	if numClasses == 0 {
		numClasses = maxLabel(labels) + 1
	}
	corpusReport(corpusPath, images, labels, numClasses)
	sampleBatches(images, labels, numClasses)
}

// loadCorpus reads the corpus from a directory of image+mask files or, for
// .h5/.hdf5 paths, from an HDF5 archive.
func loadCorpus(corpusPath string) (images, labels *tensors.Tensor) {
	switch strings.ToLower(filepath.Ext(corpusPath)) {
	case ".h5", ".hdf5":
		return must.M2(micrographs.LoadHDF5(corpusPath, *flagImagesKey, *flagLabelsKey))
	}
	loader := micrographs.NewLoader(corpusPath).WithMaskSuffix(*flagMaskSuffix).ProgressBar()
	if *flagResize != "" {
		var height, width int
		if _, err := fmt.Sscanf(*flagResize, "%dx%d", &height, &width); err != nil {
			klog.Errorf("Cannot parse -resize=%q, want HEIGHTxWIDTH, e.g. 256x256.", *flagResize)
			os.Exit(1)
		}
		loader.ResizeTo(height, width)
	}
	images, labels, _ = must.M3(loader.Done())
	return images, labels
}

func maxLabel(labels *tensors.Tensor) int {
	highest := 0
	switch labels.DType() {
	case dtypes.Int32:
		tensors.MustConstFlatData[int32](labels, func(flat []int32) {
			for _, v := range flat {
				highest = max(highest, int(v))
			}
		})
	case dtypes.Int64:
		tensors.MustConstFlatData[int64](labels, func(flat []int64) {
			for _, v := range flat {
				highest = max(highest, int(v))
			}
		})
	}
	return highest
}

func corpusReport(corpusPath string, images, labels *tensors.Tensor, numClasses int) {
	dims := images.Shape().Dimensions
	numImages, height, width, channels := dims[0], dims[1], dims[2], dims[3]

	fmt.Println(titleStyle.Render("Corpus"))
	table := newPlainTable(false)
	table.Row("corpus", corpusPath)
	table.Row("# images", humanize.Comma(int64(numImages)))
	table.Row("image size", fmt.Sprintf("%dx%dx%d", height, width, channels))
	table.Row("images dtype", images.DType().String())
	table.Row("labels dtype", labels.DType().String())
	table.Row("# classes", humanize.Comma(int64(numClasses)))
	table.Row("# pixels", humanize.Comma(int64(numImages*height*width)))
	table.Row("memory", humanize.Bytes(uint64(images.Shape().Memory()+labels.Shape().Memory())))
	fmt.Println(table.Render())

	counts := make([]int64, numClasses)
	tallyFlatLabels(counts, labels)
	printClassHistogram("Corpus Classes", counts)
}

// sampleBatches assembles the dataset pipeline from the flags, pulls -take
// batches through it and reports shapes, sampled class balance and
// throughput.
func sampleBatches(images, labels *tensors.Tensor, numClasses int) {
	ds := must.M1(sampling.New(images, labels, numClasses))
	ds.BatchSize(*flagBatch).SamplesPerImage(*flagPixels)
	if *flagNoRepeat {
		ds.WithoutReplacement()
	}
	if *flagStratified {
		ds.Stratified()
	}
	if *flagCrop > 0 {
		ds.WithCrop(*flagCrop)
	}
	if aug := augmentationFromFlags(); aug != nil {
		ds.WithAugmentation(aug)
	}
	if *flagCategorical {
		ds.WithEncoder(categorical.NewEncoder(numClasses).WithConfidence(*flagConfidence))
	}
	if *flagSeed != 0 {
		ds.WithRand(rand.New(rand.NewSource(*flagSeed)))
	}

	base := train.Dataset(ds)
	var parallel *datasets.ParallelDataset
	if *flagParallel > 0 {
		parallel = datasets.CustomParallel(ds).Parallelism(*flagParallel).Buffer(*flagParallel).Start()
		base = parallel
	}
	stream := datasets.Take(base, *flagTake)

	bar := progressbar.Default(int64(*flagTake), "sampling batches")
	counts := make([]int64, numClasses)
	var batches, pixels int64
	var tensorBytes uint64
	var shapeRows [][2]string
	start := time.Now()
	for {
		_, inputs, outLabels, err := stream.Yield()
		if err == io.EOF {
			break
		}
		must.M(err)
		if batches == 0 {
			shapeRows = [][2]string{
				{"images", inputs[0].Shape().String()},
				{"coordinates", inputs[1].Shape().String()},
				{"labels", outLabels[0].Shape().String()},
			}
		}
		tallySampledLabels(counts, outLabels[0])
		batches++
		coordDims := inputs[1].Shape().Dimensions
		pixels += int64(coordDims[0] * coordDims[1])
		for _, t := range inputs {
			tensorBytes += uint64(t.Shape().Memory())
		}
		for _, t := range outLabels {
			tensorBytes += uint64(t.Shape().Memory())
		}
		_ = bar.Add(1)
	}
	elapsed := time.Since(start)
	if parallel != nil {
		parallel.Done()
	}
	_ = bar.Finish()

	fmt.Println(titleStyle.Render("Batches"))
	table := newPlainTable(false)
	table.Row("# batches", humanize.Comma(batches))
	for _, row := range shapeRows {
		table.Row(row[0], row[1])
	}
	table.Row("pixels sampled", humanize.Comma(pixels))
	table.Row("tensor bytes", humanize.Bytes(tensorBytes))
	table.Row("wall time", elapsed.Round(time.Millisecond).String())
	if secs := elapsed.Seconds(); secs > 0 {
		table.Row("pixels/s", humanize.Comma(int64(float64(pixels)/secs)))
	}
	fmt.Println(table.Render())

	printClassHistogram("Sampled Classes", counts)
}

func augmentationFromFlags() *transforms.Augmentation {
	if !*flagFlipH && !*flagFlipV && *flagRotate == 0 && *flagZoom == 0 && *flagIntensity == 0 {
		return nil
	}
	aug := transforms.NewAugmentation()
	if *flagFlipH {
		aug.FlipHorizontal()
	}
	if *flagFlipV {
		aug.FlipVertical()
	}
	if *flagRotate > 0 {
		aug.Rotation(*flagRotate)
	}
	if *flagZoom > 0 {
		aug.Zoom(*flagZoom)
	}
	if *flagIntensity > 0 {
		aug.IntensityShift(*flagIntensity)
	}
	return aug
}

// tallyFlatLabels accumulates per-class counts over a plain integer label
// tensor of any shape. Out-of-range values are skipped; sampling.New reports
// them properly.
func tallyFlatLabels(counts []int64, labels *tensors.Tensor) {
	switch labels.DType() {
	case dtypes.Int32:
		tensors.MustConstFlatData[int32](labels, func(flat []int32) {
			for _, v := range flat {
				if v >= 0 && int(v) < len(counts) {
					counts[v]++
				}
			}
		})
	case dtypes.Int64:
		tensors.MustConstFlatData[int64](labels, func(flat []int64) {
			for _, v := range flat {
				if v >= 0 && int(v) < len(counts) {
					counts[v]++
				}
			}
		})
	}
}

// tallySampledLabels accumulates per-class counts over a batch's sampled
// labels: either plain (batch, pixels) integers or categorically encoded
// (batch, pixels, classes) rows, counted at their argmax.
func tallySampledLabels(counts []int64, pixelLabels *tensors.Tensor) {
	if pixelLabels.Rank() == 2 {
		tallyFlatLabels(counts, pixelLabels)
		return
	}
	numClasses := pixelLabels.Shape().Dimensions[2]
	switch pixelLabels.DType() {
	case dtypes.Float32:
		tensors.MustConstFlatData[float32](pixelLabels, func(flat []float32) {
			for i := 0; i < len(flat); i += numClasses {
				counts[argmax(flat[i:i+numClasses])]++
			}
		})
	case dtypes.Float64:
		tensors.MustConstFlatData[float64](pixelLabels, func(flat []float64) {
			for i := 0; i < len(flat); i += numClasses {
				counts[argmax(flat[i:i+numClasses])]++
			}
		})
	}
}

func argmax[T float32 | float64](row []T) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

func printClassHistogram(title string, counts []int64) {
	var total int64
	for _, count := range counts {
		total += count
	}
	fmt.Println(titleStyle.Render(title))
	table := newPlainTable(true)
	table.Row("Class", "Pixels", "Share")
	for class, count := range counts {
		share := "-"
		if total > 0 {
			share = fmt.Sprintf("%.1f%%", 100*float64(count)/float64(total))
		}
		table.Row(fmt.Sprintf("%d", class), humanize.Comma(count), share)
	}
	fmt.Println(table.Render())
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}
