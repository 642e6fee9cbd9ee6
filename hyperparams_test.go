package glow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHyperparametersValidate(t *testing.T) {
	valid := Hyperparameters{
		Levels: 3, DepthPerLevel: 8, NNHiddenChannels: 128,
		ImageHeight: 64, ImageWidth: 64, NumBitsX: 8,
	}
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*Hyperparameters){
		"zero levels":          func(hp *Hyperparameters) { hp.Levels = 0 },
		"zero depth":           func(hp *Hyperparameters) { hp.DepthPerLevel = 0 },
		"zero hidden channels": func(hp *Hyperparameters) { hp.NNHiddenChannels = 0 },
		"zero bits":            func(hp *Hyperparameters) { hp.NumBitsX = 0 },
		"too many bits":        func(hp *Hyperparameters) { hp.NumBitsX = 9 },
		"height not divisible": func(hp *Hyperparameters) { hp.ImageHeight = 60 },
		"width not divisible":  func(hp *Hyperparameters) { hp.ImageWidth = 60 },
		"negative height":      func(hp *Hyperparameters) { hp.ImageHeight = -64 },
	} {
		hp := valid
		mutate(&hp)
		assert.Errorf(t, hp.Validate(), "expected %q to be invalid", name)
	}
}

func TestHyperparametersSaveLoad(t *testing.T) {
	hp := Hyperparameters{
		Levels: 2, DepthPerLevel: 4, NNHiddenChannels: 32,
		ImageHeight: 16, ImageWidth: 32, NumBitsX: 5, LUDecomposition: true,
	}
	dir := t.TempDir()
	require.NoError(t, hp.Save(dir))

	loaded, err := LoadHyperparameters(dir)
	require.NoError(t, err)
	assert.Equal(t, hp, loaded)

	// Saving twice overwrites atomically.
	hp.DepthPerLevel = 6
	require.NoError(t, hp.Save(dir))
	loaded, err = LoadHyperparameters(dir)
	require.NoError(t, err)
	assert.Equal(t, 6, loaded.DepthPerLevel)

	_, err = LoadHyperparameters(t.TempDir())
	require.Error(t, err, "loading from an empty directory should fail")
}

func TestHyperparametersDerived(t *testing.T) {
	hp := Hyperparameters{NumBitsX: 5, ImageHeight: 16, ImageWidth: 32}
	assert.Equal(t, 32, hp.NumBins())
	assert.Equal(t, 512, hp.NumPixels())
}
