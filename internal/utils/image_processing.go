package utils

import (
	"bytes"
	"errors"
	"image"

	"github.com/disintegration/imaging"
)

// DefaultUploadQuality is the JPEG quality of downscaled uploads.
const DefaultUploadQuality = 85

// FitWithin scales img down so that neither side exceeds maxSide, keeping
// the aspect ratio. Images already within bounds are returned unchanged; it
// never upscales.
func FitWithin(img image.Image, maxSide int) (image.Image, error) {
	if img == nil {
		return nil, &ImageProcessingError{Operation: "resize", Err: errors.New("input image is nil")}
	}
	b := img.Bounds()
	if maxSide <= 0 || (b.Dx() <= maxSide && b.Dy() <= maxSide) {
		return img, nil
	}
	return imaging.Fit(img, maxSide, maxSide, imaging.Lanczos), nil
}

// PrepareForUpload returns data unchanged when the encoded page fits within
// maxSide, and a downscaled JPEG otherwise. The second result reports
// whether the image was resized.
func PrepareForUpload(data []byte, maxSide, quality int) ([]byte, bool, error) {
	if maxSide <= 0 {
		return data, false, nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, false, &ImageProcessingError{Operation: "decode", Err: err}
	}
	if cfg.Width <= maxSide && cfg.Height <= maxSide {
		return data, false, nil
	}

	img, _, err := DecodeImage(data)
	if err != nil {
		return nil, false, err
	}
	fitted, err := FitWithin(img, maxSide)
	if err != nil {
		return nil, false, err
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultUploadQuality
	}
	out, err := EncodeJPEG(fitted, quality)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
