package storage

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

var allowedImageMimetypes = map[string]bool{
	"image/png":      true,
	"image/jpeg":     true,
	"image/webp":     true,
	"image/bmp":      true,
	"image/x-ms-bmp": true,
	"image/gif":      true,
}

func AllowedImageMimetype(mimetype string) bool {
	return allowedImageMimetypes[mimetype]
}

func decodeImage(data io.Reader, mimetype string) (image.Image, error) {
	switch mimetype {
	case "image/png":
		return png.Decode(data)
	case "image/jpeg":
		return jpeg.Decode(data)
	case "image/webp":
		return webp.Decode(data)
	case "image/bmp", "image/x-ms-bmp":
		return bmp.Decode(data)
	case "image/gif":
		return gif.Decode(data)
	default:
		return nil, fmt.Errorf("unsupported image mimetype '%v'", mimetype)
	}
}

// ScaleToJpeg decodes the given image and scales it to fit within the given
// bounds, preserving the aspect ratio. Previews are always encoded as jpeg.
func ScaleToJpeg(data io.Reader, mimetype string, width, height int) ([]byte, error) {
	src, err := decodeImage(data, mimetype)
	if err != nil {
		slog.Error("error decoding image for preview", "mimetype", mimetype, "error", err)
		return nil, fmt.Errorf("error decoding image: %w", err)
	}

	srcBounds := src.Bounds()
	srcW, srcH := srcBounds.Dx(), srcBounds.Dy()

	dstW, dstH := width, height
	if srcW*height > srcH*width {
		dstH = srcH * width / srcW
	} else {
		dstW = srcW * height / srcH
	}
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, srcBounds, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 85}); err != nil {
		slog.Error("error encoding preview", "error", err)
		return nil, fmt.Errorf("error encoding preview: %w", err)
	}

	return out.Bytes(), nil
}
