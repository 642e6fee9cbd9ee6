package glow

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// imageExtensions accepted by LoadImagesDataset.
var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true,
}

// LoadImagesDataset loads every image under imagesDir (recursively), resizes
// and center-crops it to the configured resolution and discretizes the pixel
// values to NumBitsX bits, mapped to [-0.5, 0.5). The whole dataset is held
// in one in-memory tensor, shaped [numImages, height, width, 3] float32.
//
// The returned dataset yields individual examples; configure batching and
// shuffling on it (or on a Copy) before training.
func LoadImagesDataset(backend backends.Backend, imagesDir string, hp Hyperparameters) (*datasets.InMemoryDataset, error) {
	var paths []string
	err := filepath.WalkDir(imagesDir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %q for images", imagesDir)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images (%v) found under %q", extensionsList(), imagesDir)
	}
	sort.Strings(paths)

	h, w := hp.ImageHeight, hp.ImageWidth
	data := make([]float32, 0, len(paths)*h*w*3)
	for _, path := range paths {
		img, err := imaging.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding image %q", path)
		}
		img = imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
		data = appendDiscretized(data, img.Pix, hp.NumBitsX)
	}
	klog.V(1).Infof("Loaded %d images from %q at %dx%d, %d bits per channel",
		len(paths), imagesDir, w, h, hp.NumBitsX)

	images := tensors.FromFlatDataAndDimensions(data, len(paths), h, w, 3)
	return datasets.InMemoryFromData(backend, "images", []any{images}, nil)
}

func extensionsList() []string {
	result := make([]string, 0, len(imageExtensions))
	for ext := range imageExtensions {
		result = append(result, ext)
	}
	sort.Strings(result)
	return result
}

// appendDiscretized appends the RGB channels of an NRGBA pixel buffer,
// quantized to numBitsX bits and shifted to be centered at zero:
// floor(v/2^(8-bits))/2^bits - 0.5.
func appendDiscretized(data []float32, pix []uint8, numBitsX int) []float32 {
	shift := uint(8 - numBitsX)
	numBins := float32(int(1) << numBitsX)
	for i := 0; i < len(pix); i += 4 { // NRGBA: R, G, B, A.
		for c := 0; c < 3; c++ {
			data = append(data, float32(pix[i+c]>>shift)/numBins-0.5)
		}
	}
	return data
}

// SyntheticImagesDataset generates a small dataset of smooth two-color
// gradient images with randomized orientation and phase, discretized exactly
// like LoadImagesDataset. It stands in for real data in tests and smoke runs.
func SyntheticImagesDataset(backend backends.Backend, hp Hyperparameters, numExamples int, seed int64) (*datasets.InMemoryDataset, error) {
	h, w := hp.ImageHeight, hp.ImageWidth
	shift := uint(8 - hp.NumBitsX)
	numBins := float32(hp.NumBins())
	rng := rand.New(rand.NewSource(seed))

	data := make([]float32, 0, numExamples*h*w*3)
	for n := 0; n < numExamples; n++ {
		angle := rng.Float64() * 2 * math.Pi
		phase := rng.Float64() * 2 * math.Pi
		freq := 1 + rng.Float64()*3
		dy, dx := math.Sin(angle), math.Cos(angle)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				t := (float64(x)/float64(w)*dx + float64(y)/float64(h)*dy) * freq * 2 * math.Pi
				for c := 0; c < 3; c++ {
					v := 0.5 + 0.5*math.Sin(t+phase+float64(c)*2*math.Pi/3)
					v8 := uint8(math.Min(v*255, 255))
					data = append(data, float32(v8>>shift)/numBins-0.5)
				}
			}
		}
	}
	images := tensors.FromFlatDataAndDimensions(data, numExamples, h, w, 3)
	return datasets.InMemoryFromData(backend, "synthetic", []any{images}, nil)
}
