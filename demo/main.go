// Command demo trains a Glow model on a directory of images (or on a small
// synthetic dataset when no directory is given) and optionally samples images
// from the trained model.
package main

import (
	"flag"
	"fmt"
	"path"

	"github.com/gomlx/glow"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagImagesDir  = flag.String("images", "", "Directory with training images (png/jpg). If empty, a synthetic dataset is used.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagSamples    = flag.Int("samples", 0, "Number of images to sample after training. Requires --checkpoint to store them.")
	flagSamplesT   = flag.Float64("samples_temperature", 0.7, "Temperature used when sampling images.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

var (
	backend = backends.MustNew()
)

func main() {
	ctx := glow.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))
	err := exceptions.TryCatch[error](func() {
		config := glow.NewConfig(backend, ctx, paramsSet)

		var trainImages *datasets.InMemoryDataset
		if *flagImagesDir != "" {
			trainImages = check1(glow.LoadImagesDataset(backend, *flagImagesDir, config.Hyper))
		} else {
			fmt.Println("\t - no --images directory given, training on a synthetic dataset.")
			trainImages = check1(glow.SyntheticImagesDataset(backend, config.Hyper, 512, 1))
		}
		glow.TrainModel(config, trainImages, *flagCheckpoint, *flagVerbosity)

		if *flagSamples > 0 {
			decoder := glow.NewDecoder(config)
			images := decoder.Sample(*flagSamples, *flagSamplesT)
			if *flagCheckpoint == "" {
				klog.Warning("--samples requires --checkpoint to store the sampled images; discarding them")
				return
			}
			samplesPath := path.Join(config.Checkpoint.Dir(), "samples.tensor")
			check(images.Save(samplesPath))
			fmt.Printf("\t - %d sampled images saved to %s\n", *flagSamples, samplesPath)
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
