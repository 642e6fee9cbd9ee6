package glow

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// testParams shrink the model so the tests build and run quickly.
var testParams = map[string]any{
	"image_size":         8,
	"levels":             2,
	"depth_per_level":    2,
	"nn_hidden_channels": 16,
	"batch_size":         4,
	"num_bits_x":         5,
}

func getTestConfig(overrides map[string]any) *Config {
	ctx := CreateDefaultContext()
	ctx.SetParams(testParams)
	if overrides != nil {
		ctx.SetParams(overrides)
	}
	return NewConfig(graphtest.BuildTestBackend(), ctx, nil)
}

// randomImagesTensor builds a [numExamples, h, w, 3] float32 tensor with
// values on the discretization grid of numBitsX bits, like the datasets
// yield.
func randomImagesTensor(numExamples, h, w, numBitsX int, seed int64) *tensors.Tensor {
	rng := rand.New(rand.NewSource(seed))
	numBins := float32(int(1) << numBitsX)
	data := make([]float32, numExamples*h*w*3)
	for i := range data {
		data[i] = float32(rng.Intn(1<<numBitsX))/numBins - 0.5
	}
	return tensors.FromFlatDataAndDimensions(data, numExamples, h, w, 3)
}

func scalarF64(t *testing.T, tensor *tensors.Tensor) float64 {
	t.Helper()
	switch v := tensor.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		t.Fatalf("expected a scalar float tensor, got %s", tensor.Shape())
		return 0
	}
}

func TestNewConfig(t *testing.T) {
	config := getTestConfig(nil)
	assert.Equal(t, 2, config.Hyper.Levels)
	assert.Equal(t, 4, config.BatchSize)
	assert.Equal(t, 8, config.Hyper.ImageHeight)
	assert.Equal(t, 32, config.Hyper.NumBins())
	assert.Equal(t, "float32", config.DType.String())

	config = getTestConfig(map[string]any{"dtype": "float64"})
	assert.Equal(t, "float64", config.DType.String())

	err := exceptions.TryCatch[error](func() {
		_ = getTestConfig(map[string]any{"dtype": "int8"})
	})
	require.Error(t, err, "int8 models should be rejected")

	err = exceptions.TryCatch[error](func() {
		// 12 is not divisible by 2^levels for levels=3.
		_ = getTestConfig(map[string]any{"levels": 3, "image_size": 12})
	})
	require.Error(t, err, "image size must be divisible by 2^levels")
}
