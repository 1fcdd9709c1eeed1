package preprocess

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/mobileface/internal/types"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestClampBox(t *testing.T) {
	tests := []struct {
		name   string
		in     types.BoundingBox
		want   types.BoundingBox
		wantOK bool
	}{
		{"inside", types.BoundingBox{X: 10, Y: 10, Width: 40, Height: 50}, types.BoundingBox{X: 10, Y: 10, Width: 40, Height: 50}, true},
		{"negative origin", types.BoundingBox{X: -5, Y: -8, Width: 40, Height: 40}, types.BoundingBox{X: 0, Y: 0, Width: 40, Height: 40}, true},
		{"overflowing", types.BoundingBox{X: 70, Y: 60, Width: 80, Height: 80}, types.BoundingBox{X: 70, Y: 60, Width: 30, Height: 40}, true},
		{"too small", types.BoundingBox{X: 0, Y: 0, Width: 29, Height: 60}, types.BoundingBox{X: 0, Y: 0, Width: 29, Height: 60}, false},
		{"past the edge", types.BoundingBox{X: 500, Y: 500, Width: 10, Height: 10}, types.BoundingBox{X: 99, Y: 99, Width: 1, Height: 1}, false},
		{"exactly minimum", types.BoundingBox{X: 0, Y: 0, Width: 30, Height: 30}, types.BoundingBox{X: 0, Y: 0, Width: 30, Height: 30}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ClampBox(tt.in, 100, 100)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestExpandBox(t *testing.T) {
	got := ExpandBox(types.BoundingBox{X: 20, Y: 20, Width: 50, Height: 40}, DefaultMargin, 100, 100)
	assert.Equal(t, types.BoundingBox{X: 10, Y: 12, Width: 70, Height: 56}, got)

	edge := ExpandBox(types.BoundingBox{X: 0, Y: 90, Width: 50, Height: 40}, DefaultMargin, 100, 100)
	assert.Equal(t, types.BoundingBox{X: 0, Y: 82, Width: 60, Height: 18}, edge)

	outside := ExpandBox(types.BoundingBox{X: 200, Y: 200, Width: 10, Height: 10}, DefaultMargin, 100, 100)
	assert.Zero(t, outside.Width)
}

func TestCropNormalizesToUnitRange(t *testing.T) {
	img := solid(64, 48, color.RGBA{R: 255, G: 0, B: 255, A: 255})
	crop, err := Crop(img, FullBox(img), 16)
	require.NoError(t, err)
	require.NoError(t, crop.Validate(16))

	plane := 16 * 16
	for i := 0; i < plane; i++ {
		assert.InDelta(t, 1.0, crop.Pix[i], 0.01)
		assert.InDelta(t, -1.0, crop.Pix[plane+i], 0.01)
		assert.InDelta(t, 1.0, crop.Pix[2*plane+i], 0.01)
	}
}

func TestCropEmptyBox(t *testing.T) {
	img := solid(10, 10, color.RGBA{A: 255})
	_, err := Crop(img, types.BoundingBox{X: 20, Y: 20, Width: 5, Height: 5}, 8)
	assert.ErrorIs(t, err, types.ErrEmptyCrop)
}

func TestCropHonoursImageOrigin(t *testing.T) {
	img := image.NewRGBA(image.Rect(10, 10, 30, 30))
	for y := 10; y < 30; y++ {
		for x := 10; x < 30; x++ {
			c := color.RGBA{A: 255}
			if x >= 20 {
				c.R = 255
			}
			img.SetRGBA(x, y, c)
		}
	}
	crop, err := Crop(img, types.BoundingBox{X: 10, Y: 0, Width: 10, Height: 20}, 4)
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		assert.InDelta(t, 1.0, crop.Pix[i], 0.01, "right half is red")
	}
}

func TestLoadCrop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "face.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, solid(40, 40, color.RGBA{R: 128, G: 128, B: 128, A: 255})))
	require.NoError(t, f.Close())

	crop, err := LoadCrop(path, 32)
	require.NoError(t, err)
	assert.Equal(t, 32, crop.Size)
	assert.InDelta(t, 0.0, crop.Pix[0], 0.01)

	bad := filepath.Join(dir, "bad.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))
	_, err = LoadCrop(bad, 32)
	assert.True(t, types.IsData(err))
	assert.ErrorIs(t, err, types.ErrUnreadableImage)

	_, err = LoadCrop(filepath.Join(dir, "missing.png"), 32)
	assert.True(t, types.IsData(err))
}

type fixedDetector struct {
	boxes []types.BoundingBox
	err   error
}

func (d fixedDetector) Detect(context.Context, image.Image) ([]types.BoundingBox, error) {
	return d.boxes, d.err
}

func TestDetectFaces(t *testing.T) {
	img := solid(100, 80, color.RGBA{G: 255, A: 255})
	d := fixedDetector{boxes: []types.BoundingBox{
		{X: 10, Y: 10, Width: 40, Height: 40},
		{X: 0, Y: 0, Width: 10, Height: 10},
		{X: 60, Y: 40, Width: 60, Height: 60},
	}}

	faces, err := DetectFaces(context.Background(), d, img, 16)
	require.NoError(t, err)
	require.Len(t, faces, 2)
	assert.Equal(t, types.BoundingBox{X: 10, Y: 10, Width: 40, Height: 40}, faces[0].Box)
	assert.Equal(t, types.BoundingBox{X: 60, Y: 40, Width: 40, Height: 40}, faces[1].Box)
	assert.Equal(t, 16, faces[1].Crop.Size)

	_, err = DetectFaces(context.Background(), fixedDetector{err: errors.New("boom")}, img, 16)
	assert.ErrorContains(t, err, "boom")
}

func TestFullFrame(t *testing.T) {
	img := solid(50, 60, color.RGBA{A: 255})
	faces, err := DetectFaces(context.Background(), FullFrame{}, img, 16)
	require.NoError(t, err)
	require.Len(t, faces, 1)
	assert.Equal(t, types.BoundingBox{Width: 50, Height: 60}, faces[0].Box)
}

func TestMarginCrops(t *testing.T) {
	img := solid(100, 100, color.RGBA{B: 255, A: 255})
	d := fixedDetector{boxes: []types.BoundingBox{
		{X: 30, Y: 30, Width: 20, Height: 20},
		{X: 300, Y: 300, Width: 20, Height: 20},
	}}
	crops, skipped, err := MarginCrops(context.Background(), d, img, DefaultMargin, 24)
	require.NoError(t, err)
	require.Len(t, crops, 1)
	assert.Equal(t, image.Rect(0, 0, 24, 24), crops[0].Bounds())
	require.Len(t, skipped, 1)
	assert.True(t, types.IsData(skipped[0]))
	assert.ErrorIs(t, skipped[0], types.ErrEmptyCrop)
}
