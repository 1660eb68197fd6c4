package data

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_WithAugmentation_Order(t *testing.T) {
	for _, base := range []*Compose{
		NewCompose(),
		NewCompose(ToTensor{}),
		DefaultTransforms(true),
		NewCompose(ToTensor{}, Normalize{Mean: CIFAR10Mean, Std: CIFAR10Std}, ToTensor{}),
	} {
		out := WithAugmentation(base)
		require.Len(t, out.Transforms, len(base.Transforms)+2)
		assert.IsType(t, RandomCrop{}, out.Transforms[0])
		assert.IsType(t, RandomHorizontalFlip{}, out.Transforms[1])
		assert.Equal(t, base.Transforms, out.Transforms[2:])
	}
}

func Test_TrainTransforms(t *testing.T) {
	dm := NewCIFAR10DataModule(DefaultCIFAR10Options())
	assert.Contains(t, dm.TrainTransforms().String(),
		"Compose(RandomCrop(size=32, padding=4), RandomHorizontalFlip(p=0.5), ToTensor(), Normalize(")
	// the default pipeline is left untouched
	assert.Len(t, dm.ValTransforms().Transforms, 2)
	assert.Len(t, dm.TestTransforms().Transforms, 2)
}

func Test_Compose_Insert(t *testing.T) {
	a, b, c := RandomCrop{Size: 1}, RandomCrop{Size: 2}, RandomCrop{Size: 3}
	cases := []struct {
		index int
		want  []Transform
	}{
		{0, []Transform{c, a, b}},
		{1, []Transform{a, c, b}},
		{2, []Transform{a, b, c}},
		{10, []Transform{a, b, c}},
		{-1, []Transform{a, c, b}},
		{-10, []Transform{c, a, b}},
	}
	for _, tc := range cases {
		compose := NewCompose(a, b)
		compose.Insert(tc.index, c)
		assert.Equal(t, tc.want, compose.Transforms, "index %d", tc.index)
	}
}

func testImage(c, h, w int) *Image {
	img := NewImage(c, h, w)
	for i := range img.Pix {
		img.Pix[i] = float32(i % 256)
	}
	return img
}

func Test_RandomCrop(t *testing.T) {
	img := testImage(3, 8, 8)
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 20; i++ {
		out, err := RandomCrop{Size: 8, Padding: 2}.Apply(img, rng)
		require.NoError(t, err)
		assert.Equal(t, 8, out.H)
		assert.Equal(t, 8, out.W)
	}
	// no padding and full size is the identity
	out, err := RandomCrop{Size: 8}.Apply(img, rng)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, out.Pix)

	_, err = RandomCrop{Size: 20, Padding: 1}.Apply(img, rng)
	assert.Error(t, err)
}

func Test_RandomHorizontalFlip(t *testing.T) {
	img := testImage(1, 2, 3)
	out, err := RandomHorizontalFlip{P: 1}.Apply(img, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 1, 0, 5, 4, 3}, out.Pix)
	out, err = RandomHorizontalFlip{P: 0}.Apply(img, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	assert.Equal(t, img.Pix, out.Pix)
}

func Test_ToTensorNormalize(t *testing.T) {
	img, err := ImageFromBytes(2, 1, 2, []byte{0, 255, 51, 102})
	require.NoError(t, err)
	_, err = Normalize{Mean: []float32{0, 0}, Std: []float32{1, 1}}.Apply(img, nil)
	assert.Error(t, err)

	out, err := NewCompose(ToTensor{}, Normalize{Mean: []float32{0.5, 0}, Std: []float32{0.5, 0.2}}).Apply(img, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{-1, 1, 1, 2}, out.Pix, 1e-5)
	assert.True(t, out.Tensor)
}
