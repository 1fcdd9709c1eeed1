package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/mobileface/internal/types"
)

// Channel normalisation: (v/255 - mean) / std maps [0, 255] to [-1, 1].
const (
	normMean = 0.5
	normStd  = 0.5
)

// Decode reads any image format registered with the image package.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnreadableImage, err)
	}
	return img, nil
}

// DecodeBytes is Decode over an in-memory buffer.
func DecodeBytes(data []byte) (image.Image, error) {
	return Decode(bytes.NewReader(data))
}

// LoadImage decodes the file at path. Failures are data errors.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.DataError("load image", path, err)
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, types.DataError("load image", path, err)
	}
	return img, nil
}

// LoadCrop decodes a pre-cropped face image and resizes the whole frame.
func LoadCrop(path string, size int) (types.FaceCrop, error) {
	img, err := LoadImage(path)
	if err != nil {
		return types.FaceCrop{}, err
	}
	crop, err := Crop(img, FullBox(img), size)
	if err != nil {
		return types.FaceCrop{}, types.DataError("crop", path, err)
	}
	return crop, nil
}

// FullBox covers the whole image.
func FullBox(img image.Image) types.BoundingBox {
	b := img.Bounds()
	return types.BoundingBox{Width: b.Dx(), Height: b.Dy()}
}

// CropImage cuts box out of img and scales it to size x size with bilinear
// interpolation.
func CropImage(img image.Image, box types.BoundingBox, size int) (*image.RGBA, error) {
	r := boxIn(box, img.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("%w: box %+v outside %v", types.ErrEmptyCrop, box, img.Bounds())
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, r, draw.Src, nil)
	return dst, nil
}

// Crop is CropImage followed by Normalize.
func Crop(img image.Image, box types.BoundingBox, size int) (types.FaceCrop, error) {
	rgba, err := CropImage(img, box, size)
	if err != nil {
		return types.FaceCrop{}, err
	}
	return Normalize(rgba), nil
}

// Normalize converts a square RGBA image to a channel-major FaceCrop with
// values in [-1, 1].
func Normalize(img *image.RGBA) types.FaceCrop {
	size := img.Bounds().Dx()
	crop := types.NewFaceCrop(size)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := img.RGBAAt(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			i := y*size + x
			crop.Pix[i] = scale(c.R)
			crop.Pix[plane+i] = scale(c.G)
			crop.Pix[2*plane+i] = scale(c.B)
		}
	}
	return crop
}

func scale(v uint8) float64 {
	return (float64(v)/255 - normMean) / normStd
}

// Detector finds faces in a full image. Returned boxes are in pixel
// coordinates relative to the image origin.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]types.BoundingBox, error)
}

// FullFrame treats the whole image as one face. It is the detector for
// enrollment folders that already hold cropped faces.
type FullFrame struct{}

func (FullFrame) Detect(_ context.Context, img image.Image) ([]types.BoundingBox, error) {
	return []types.BoundingBox{FullBox(img)}, nil
}

// Face is one detected face and its network input.
type Face struct {
	Box  types.BoundingBox
	Crop types.FaceCrop
}

// DetectFaces runs d over img, clamps the boxes, drops faces smaller than
// MinFaceSize and crops the rest to size.
func DetectFaces(ctx context.Context, d Detector, img image.Image, size int) ([]Face, error) {
	boxes, err := d.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	b := img.Bounds()
	boxes = ClampBoxes(boxes, b.Dx(), b.Dy())

	faces := make([]Face, 0, len(boxes))
	for _, box := range boxes {
		crop, err := Crop(img, box, size)
		if err != nil {
			return nil, err
		}
		faces = append(faces, Face{Box: box, Crop: crop})
	}
	return faces, nil
}

// MarginCrops runs d over img and cuts every face with margin added on each
// side, scaled to size. Faces whose expanded box is empty are skipped and
// returned as data errors alongside the crops.
func MarginCrops(ctx context.Context, d Detector, img image.Image, margin float64, size int) ([]*image.RGBA, []error, error) {
	boxes, err := d.Detect(ctx, img)
	if err != nil {
		return nil, nil, fmt.Errorf("detect faces: %w", err)
	}
	b := img.Bounds()

	var crops []*image.RGBA
	var skipped []error
	for i, box := range boxes {
		expanded := ExpandBox(box, margin, b.Dx(), b.Dy())
		rgba, err := CropImage(img, expanded, size)
		if err != nil {
			skipped = append(skipped, types.DataError(fmt.Sprintf("crop face %d", i), "", err))
			continue
		}
		crops = append(crops, rgba)
	}
	return crops, skipped, nil
}
