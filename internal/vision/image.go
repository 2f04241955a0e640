package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Decode turns JPEG or PNG bytes into a BGR mat. The caller owns the mat.
func Decode(data []byte) (gocv.Mat, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("decode image: %w", err)
	}
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, fmt.Errorf("decode image: empty result")
	}
	return img, nil
}

// EncodeJPEG encodes a mat as JPEG and returns a copy of the bytes.
func EncodeJPEG(img gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, nil
}

// CropJPEG encodes the given region of the image as JPEG. The rectangle must
// already be clipped to the image bounds.
func CropJPEG(img gocv.Mat, r image.Rectangle) ([]byte, error) {
	if r.Empty() {
		return nil, fmt.Errorf("crop region is empty")
	}
	region := img.Region(r)
	defer region.Close()
	crop := region.Clone()
	defer crop.Close()
	return EncodeJPEG(crop)
}
