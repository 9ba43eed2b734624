package images

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"strings"

	xdraw "golang.org/x/image/draw"
	"pault.ag/go/cbeff/jpeg2000"
)

// Default bounding box for frames forwarded to the face matcher.
const (
	DefaultMaxWidth  = 640
	DefaultMaxHeight = 640
)

var ErrEmptyFrame = errors.New("empty frame")

// NormalizeFrame turns a captured camera frame (raw base64 or a data URL)
// into a base64 PNG no larger than maxW×maxH.
func NormalizeFrame(frame string, maxW, maxH int) (string, error) {
	data, err := decodeFrame(frame)
	if err != nil {
		return "", err
	}

	img, err := decodeImage(data)
	if err != nil {
		return "", err
	}

	bounds := img.Bounds()
	slog.Debug("Frame decoded", "width", bounds.Dx(), "height", bounds.Dy(), "data_size", len(data))

	out, err := convertImageToPNGBase64(img, maxW, maxH, 0, png.DefaultCompression)
	if err != nil {
		return "", fmt.Errorf("failed to encode frame as PNG: %w", err)
	}
	return out, nil
}

// decodeFrame strips an optional "data:<mime>;base64," prefix and decodes
// the payload.
func decodeFrame(frame string) ([]byte, error) {
	frame = strings.TrimSpace(frame)
	if strings.HasPrefix(frame, "data:") {
		idx := strings.Index(frame, ",")
		if idx < 0 {
			return nil, fmt.Errorf("malformed data URL")
		}
		frame = frame[idx+1:]
	}
	if frame == "" {
		return nil, ErrEmptyFrame
	}

	data, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return nil, fmt.Errorf("frame is not valid base64: %w", err)
	}
	return data, nil
}

// decodeImage attempts to decode an image from bytes, trying multiple formats
func decodeImage(data []byte) (image.Image, error) {
	if img, err := jpeg.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	if img, err := png.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	// Some capture pipelines hand over JPEG 2000 stills
	if img, err := jpeg2000.Parse(data); err == nil {
		return img, nil
	}

	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("unsupported or invalid image format")
}

// convertImageToPNGBase64 encodes an image to base64 PNG with optional resize and quantization
//
// maxW/maxH: if >0, the image is downscaled to fit within this box (keeping aspect ratio)
// colors:    if >0, convert to a paletted image
// level:     png.DefaultCompression, png.BestCompression, png.BestSpeed, etc.
func convertImageToPNGBase64(img image.Image, maxW, maxH, colors int, level png.CompressionLevel) (string, error) {
	if maxW > 0 || maxH > 0 {
		img = resizeToFit(img, maxW, maxH)
	}

	var out = img
	if colors > 0 {
		pal := palette.Plan9
		if colors <= 216 {
			pal = palette.WebSafe
		}
		dst := image.NewPaletted(img.Bounds(), pal)
		draw.FloydSteinberg.Draw(dst, dst.Bounds(), img, image.Point{})
		out = dst
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, out); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// resizeToFit scales img to fit within maxW×maxH (keeping aspect ratio)
func resizeToFit(src image.Image, maxW, maxH int) image.Image {
	bw := src.Bounds().Dx()
	bh := src.Bounds().Dy()

	if maxW <= 0 && maxH <= 0 {
		return src
	}
	if maxW <= 0 {
		scale := float64(maxH) / float64(bh)
		maxW = int(math.Round(float64(bw) * scale))
	}
	if maxH <= 0 {
		scale := float64(maxW) / float64(bw)
		maxH = int(math.Round(float64(bh) * scale))
	}

	scale := math.Min(float64(maxW)/float64(bw), float64(maxH)/float64(bh))
	if scale >= 1.0 {
		return src
	}
	w := int(math.Max(1, math.Round(float64(bw)*scale)))
	h := int(math.Max(1, math.Round(float64(bh)*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// CatmullRom keeps facial detail when downscaling
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}
