// Package imagefile reads ZoneMinder's frame JPEGs and encodes our annotated notification images
package imagefile

import (
	"fmt"
	"image"
	"image/draw"
	"os"

	"github.com/bmharper/cimg/v2"
)

const DefaultQuality = 85

// Reader decodes JPEG files from disk
type Reader struct {
}

func NewReader() *Reader {
	return &Reader{}
}

// ReadImage decodes the JPEG at path into an RGBA image
func (r *Reader) ReadImage(path string) (image.Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := cimg.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode %v: %w", path, err)
	}
	return ToRGBA(img), nil
}

// EncodeJPEG compresses an image with 4:2:0 chroma subsampling
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	return cimg.Compress(FromImage(img), cimg.MakeCompressParams(cimg.Sampling420, quality, 0))
}

// ToRGBA converts a decoded cimg image (gray, RGB or RGBA) into an *image.RGBA
func ToRGBA(src *cimg.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, src.Width, src.Height))
	nchan := src.NChan()
	for y := 0; y < src.Height; y++ {
		srcLine := src.Pixels[y*src.Stride:]
		dstLine := dst.Pix[y*dst.Stride:]
		for x := 0; x < src.Width; x++ {
			s := srcLine[x*nchan:]
			d := dstLine[x*4 : x*4+4]
			switch nchan {
			case 1:
				d[0], d[1], d[2] = s[0], s[0], s[0]
			default:
				d[0], d[1], d[2] = s[0], s[1], s[2]
			}
			d[3] = 255
		}
	}
	return dst
}

// FromImage converts any image into a packed RGB cimg image, ready for compression
func FromImage(src image.Image) *cimg.Image {
	rgba, ok := src.(*image.RGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) {
		b := src.Bounds()
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Rect, src, b.Min, draw.Src)
	}
	w := rgba.Rect.Dx()
	h := rgba.Rect.Dy()
	dst := cimg.NewImage(w, h, cimg.PixelFormatRGB)
	for y := 0; y < h; y++ {
		srcLine := rgba.Pix[y*rgba.Stride:]
		dstLine := dst.Pixels[y*dst.Stride:]
		for x := 0; x < w; x++ {
			dstLine[x*3] = srcLine[x*4]
			dstLine[x*3+1] = srcLine[x*4+1]
			dstLine[x*3+2] = srcLine[x*4+2]
		}
	}
	return dst
}
