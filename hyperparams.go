package glow

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// HyperparametersFileName is the name of the JSON snapshot written next to the
// model checkpoints. It is enough to rebuild the exact same model topology.
const HyperparametersFileName = "hyperparameters.json"

// Hyperparameters describe the flow topology. They are built once from the
// context params (see CreateDefaultContext) and never change during a run:
// a model checkpoint is only valid together with the hyperparameters that
// created it.
type Hyperparameters struct {
	// Levels of the multi-scale architecture. Each level halves the spatial
	// resolution (squeeze) and factors out half of the channels.
	Levels int `json:"levels"`

	// DepthPerLevel is the number of flow steps (actnorm, 1x1 convolution,
	// affine coupling) stacked in each level.
	DepthPerLevel int `json:"depth_per_level"`

	// NNHiddenChannels is the width of the coupling sub-network.
	NNHiddenChannels int `json:"nn_hidden_channels"`

	// ImageHeight and ImageWidth of the training images. Both must be
	// divisible by 2^Levels.
	ImageHeight int `json:"image_height"`
	ImageWidth  int `json:"image_width"`

	// NumBitsX is the bit-depth the images are discretized to, in [1, 8].
	NumBitsX int `json:"num_bits_x"`

	// LUDecomposition selects the LU parameterization of the invertible 1x1
	// convolutions, which makes their log-determinant O(channels) instead of
	// O(channels³) per step.
	LUDecomposition bool `json:"lu_decomposition"`
}

// HyperparametersFromContext reads the topology hyperparameters from the
// context params set by CreateDefaultContext (and possibly overridden on the
// command line).
func HyperparametersFromContext(ctx *context.Context) Hyperparameters {
	imageSize := context.GetParamOr(ctx, "image_size", 64)
	return Hyperparameters{
		Levels:           context.GetParamOr(ctx, "levels", 3),
		DepthPerLevel:    context.GetParamOr(ctx, "depth_per_level", 8),
		NNHiddenChannels: context.GetParamOr(ctx, "nn_hidden_channels", 128),
		ImageHeight:      context.GetParamOr(ctx, "image_height", imageSize),
		ImageWidth:       context.GetParamOr(ctx, "image_width", imageSize),
		NumBitsX:         context.GetParamOr(ctx, "num_bits_x", 8),
		LUDecomposition:  context.GetParamOr(ctx, "lu_decomposition", false),
	}
}

// Validate returns an error if the hyperparameters cannot describe a valid
// model.
func (hp Hyperparameters) Validate() error {
	if hp.Levels < 1 {
		return errors.Errorf("levels must be >= 1, got %d", hp.Levels)
	}
	if hp.DepthPerLevel < 1 {
		return errors.Errorf("depth_per_level must be >= 1, got %d", hp.DepthPerLevel)
	}
	if hp.NNHiddenChannels < 1 {
		return errors.Errorf("nn_hidden_channels must be >= 1, got %d", hp.NNHiddenChannels)
	}
	if hp.NumBitsX < 1 || hp.NumBitsX > 8 {
		return errors.Errorf("num_bits_x must be in [1, 8], got %d", hp.NumBitsX)
	}
	factor := 1 << hp.Levels
	if hp.ImageHeight <= 0 || hp.ImageHeight%factor != 0 || hp.ImageWidth <= 0 || hp.ImageWidth%factor != 0 {
		return errors.Errorf("image size %dx%d must be positive and divisible by 2^levels=%d",
			hp.ImageHeight, hp.ImageWidth, factor)
	}
	return nil
}

// NumBins is the number of discretization bins of the input images, 2^NumBitsX.
func (hp Hyperparameters) NumBins() int {
	return 1 << hp.NumBitsX
}

// NumPixels is the number of spatial positions of one image. It is the
// normalization constant of the bits/dim objective.
func (hp Hyperparameters) NumPixels() int {
	return hp.ImageHeight * hp.ImageWidth
}

// Save writes the hyperparameters as JSON into dir. The write is atomic
// (temp file + rename), so a crash mid-write never corrupts a previous
// snapshot.
func (hp Hyperparameters) Save(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "creating snapshot directory %q", dir)
	}
	encoded, err := json.MarshalIndent(hp, "", "\t")
	if err != nil {
		return errors.Wrap(err, "encoding hyperparameters")
	}
	f, err := os.CreateTemp(dir, HyperparametersFileName+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary hyperparameters file in %q", dir)
	}
	tmpName := f.Name()
	if _, err = f.Write(encoded); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "writing %q", tmpName)
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "closing %q", tmpName)
	}
	finalName := filepath.Join(dir, HyperparametersFileName)
	if err = os.Rename(tmpName, finalName); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "renaming %q to %q", tmpName, finalName)
	}
	return nil
}

// LoadHyperparameters reads hyperparameters previously written by Save.
func LoadHyperparameters(dir string) (hp Hyperparameters, err error) {
	fPath := filepath.Join(dir, HyperparametersFileName)
	encoded, err := os.ReadFile(fPath)
	if err != nil {
		err = errors.Wrapf(err, "reading hyperparameters from %q", fPath)
		return
	}
	if err = json.Unmarshal(encoded, &hp); err != nil {
		err = errors.Wrapf(err, "decoding hyperparameters from %q", fPath)
		return
	}
	err = hp.Validate()
	return
}

// SetInContext writes the hyperparameters back as context params, so they are
// also captured by the checkpoints.Handler and picked up when a model is
// reloaded.
func (hp Hyperparameters) SetInContext(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		"levels":             hp.Levels,
		"depth_per_level":    hp.DepthPerLevel,
		"nn_hidden_channels": hp.NNHiddenChannels,
		"image_height":       hp.ImageHeight,
		"image_width":        hp.ImageWidth,
		"num_bits_x":         hp.NumBitsX,
		"lu_decomposition":   hp.LUDecomposition,
	})
}
