package glow

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticImagesDataset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	hp := Hyperparameters{ImageHeight: 8, ImageWidth: 8, NumBitsX: 5}

	ds, err := SyntheticImagesDataset(backend, hp, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, ds.NumExamples())

	ds.BatchSize(5, true)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	batch := inputs[0]
	assert.Equal(t, []int{5, 8, 8, 3}, batch.Shape().Dimensions)

	// Discretized pixels live in [-0.5, 0.5).
	rangeExec := must.M1(context.NewExecAny(backend, nil,
		func(_ *context.Context, x *Node) []*Node {
			return []*Node{ReduceAllMax(x), Neg(ReduceAllMax(Neg(x)))}
		}))
	defer rangeExec.Finalize()
	outs := rangeExec.MustExec(batch)
	assert.Less(t, scalarF64(t, outs[0]), 0.5)
	assert.GreaterOrEqual(t, scalarF64(t, outs[1]), -0.5)
}

func TestLoadImagesDataset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	hp := Hyperparameters{ImageHeight: 8, ImageWidth: 8, NumBitsX: 5}
	dir := t.TempDir()

	// Constant-color images at a resolution different from the model's, plus
	// a non-image file that must be ignored.
	img := imaging.New(16, 12, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	require.NoError(t, imaging.Save(img, filepath.Join(dir, "a.png")))
	require.NoError(t, imaging.Save(img, filepath.Join(dir, "b.jpg")))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0777))
	require.NoError(t, imaging.Save(img, filepath.Join(dir, "nested", "c.png")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0666))

	ds, err := LoadImagesDataset(backend, dir, hp)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.NumExamples())

	ds.BatchSize(3, true)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	batch := inputs[0]
	require.Equal(t, []int{3, 8, 8, 3}, batch.Shape().Dimensions)

	// floor(v >> 3)/32 - 0.5 of the constant color, for the PNG (the JPEG is
	// lossy, so only check the losslessly encoded first example).
	pixels := batch.Value().([][][][]float32)
	assert.InDelta(t, 200>>3, (pixels[0][0][0][0]+0.5)*32, 1e-4)
	assert.InDelta(t, 100>>3, (pixels[0][0][0][1]+0.5)*32, 1e-4)
	assert.InDelta(t, 50>>3, (pixels[0][0][0][2]+0.5)*32, 1e-4)

	_, err = LoadImagesDataset(backend, t.TempDir(), hp)
	require.Error(t, err, "a directory without images must be rejected")
}
