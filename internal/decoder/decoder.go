package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

var (
	ErrMalformed          = errors.New("malformed image data")
	ErrUnsupportedScale   = errors.New("unsupported scale")
	ErrBackendUnavailable = errors.New("decoder backend not available in this build")
)

// Backend selects the decoding implementation
type Backend string

const (
	BackendStd  Backend = "std"
	BackendVips Backend = "vips"
)

// Bitmap is a decoded image at a given scale.
// The pixel buffer is shared with the cache and must be treated as read-only.
type Bitmap struct {
	Image  *image.NRGBA
	Format Format
	Scale  float64
}

func (b *Bitmap) Width() int {
	return b.Image.Bounds().Dx()
}

func (b *Bitmap) Height() int {
	return b.Image.Bounds().Dy()
}

// SizeBytes is the resident size of the pixel buffer
func (b *Bitmap) SizeBytes() int64 {
	return int64(len(b.Image.Pix))
}

// Info describes an encoded image without decoding its pixels
type Info struct {
	Format Format
	Width  int
	Height int
}

type Decoder struct {
	backend Backend
}

func New(backend Backend) (*Decoder, error) {
	switch backend {
	case "", BackendStd:
		return &Decoder{backend: BackendStd}, nil
	case BackendVips:
		if !vipsAvailable {
			return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, backend)
		}
		return &Decoder{backend: BackendVips}, nil
	default:
		return nil, fmt.Errorf("unknown decoder backend: %s (supported: std, vips)", backend)
	}
}

// Backend returns the backend this decoder was created with
func (d *Decoder) Backend() Backend {
	return d.backend
}

// Decode sniffs the format of data and decodes it at scale
func (d *Decoder) Decode(data []byte, scale float64) (*Bitmap, error) {
	return d.DecodeHint(data, scale, FormatUnknown)
}

// DecodeHint decodes data at scale. A known hint overrides content sniffing.
func (d *Decoder) DecodeHint(data []byte, scale float64, hint Format) (*Bitmap, error) {
	if !validScale(scale) {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedScale, scale)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMalformed)
	}

	format := hint
	if format == FormatUnknown {
		format = Sniff(data)
	}
	if format == FormatUnknown {
		return nil, fmt.Errorf("%w: unrecognized encoding", ErrMalformed)
	}

	var (
		img image.Image
		src image.Point
		err error
	)
	if d.backend == BackendVips && vipsHandles(format) {
		img, src, err = decodeVips(data, scale)
	} else {
		img, err = decodeStd(bytes.NewReader(data), format)
		if err == nil {
			src = img.Bounds().Size()
		}
	}
	if err != nil {
		return nil, err
	}

	w, h := ScaledSize(src.X, src.Y, scale)
	return &Bitmap{
		Image:  resizeTo(img, w, h),
		Format: format,
		Scale:  scale,
	}, nil
}

// Probe reads the format and source dimensions from the image header
func (d *Decoder) Probe(data []byte) (Info, error) {
	format := Sniff(data)
	if format == FormatUnknown {
		return Info{}, fmt.Errorf("%w: unrecognized encoding", ErrMalformed)
	}

	var (
		cfg image.Config
		err error
	)
	r := bytes.NewReader(data)
	switch format {
	case FormatPNG:
		cfg, err = png.DecodeConfig(r)
	case FormatJPEG:
		cfg, err = jpeg.DecodeConfig(r)
	case FormatGIF:
		cfg, err = gif.DecodeConfig(r)
	case FormatWebP:
		cfg, err = webp.DecodeConfig(r)
	case FormatTIFF:
		cfg, err = tiff.DecodeConfig(r)
	case FormatBMP:
		cfg, err = bmp.DecodeConfig(r)
	}
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s header: %v", ErrMalformed, format, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, fmt.Errorf("%w: %s reports %dx%d", ErrMalformed, format, cfg.Width, cfg.Height)
	}

	return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// ScaledSize is the pixel size a w x h source has after decoding at scale
func ScaledSize(width, height int, scale float64) (int, int) {
	return scaledDim(width, scale), scaledDim(height, scale)
}

// Crop extracts rect (in the bitmap's pixel space) as a new bitmap
func Crop(b *Bitmap, rect image.Rectangle) *Bitmap {
	return &Bitmap{
		Image:  imaging.Crop(b.Image, rect),
		Format: b.Format,
		Scale:  b.Scale,
	}
}

func decodeStd(r io.Reader, format Format) (image.Image, error) {
	var (
		img image.Image
		err error
	)
	switch format {
	case FormatPNG:
		img, err = png.Decode(r)
	case FormatJPEG:
		img, err = jpeg.Decode(r)
	case FormatGIF:
		// First frame only
		img, err = gif.Decode(r)
	case FormatWebP:
		img, err = webp.Decode(r)
	case FormatTIFF:
		img, err = tiff.Decode(r)
	case FormatBMP:
		img, err = bmp.Decode(r)
	default:
		return nil, fmt.Errorf("%w: unsupported format %s", ErrMalformed, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, format, err)
	}
	return img, nil
}

func resizeTo(img image.Image, w, h int) *image.NRGBA {
	bounds := img.Bounds()
	if w == bounds.Dx() && h == bounds.Dy() {
		return imaging.Clone(img)
	}
	return imaging.Resize(img, w, h, imaging.Lanczos)
}

func scaledDim(n int, scale float64) int {
	return max(1, int(math.Round(float64(n)*scale)))
}

func validScale(scale float64) bool {
	return scale > 0 && !math.IsInf(scale, 0) && !math.IsNaN(scale)
}
