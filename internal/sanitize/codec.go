package sanitize

import (
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// Codec decodes and re-encodes one image format. Encoding writes pixel data
// only — no codec here carries metadata across a round trip, which is what
// makes re-encoding a metadata strip.
type Codec interface {
	Decode(r io.Reader) (image.Image, error)
	Encode(w io.Writer, img image.Image) error
}

// Registry maps formats to codecs. The zero registry is unusable; use
// NewRegistry, then Register optional codecs (e.g. a CGo HEIF codec) on top.
type Registry struct {
	codecs map[Format]Codec
}

// NewRegistry returns a Registry with the built-in pure-Go codecs:
// JPEG, PNG (stdlib) and BMP, TIFF (x/image). WebP decodes but has no
// pure-Go encoder, and HEIF has no codec at all, so both stay unregistered
// and degrade to unsupported rather than crashing.
func NewRegistry() *Registry {
	return &Registry{codecs: map[Format]Codec{
		FormatJPEG: jpegCodec{},
		FormatPNG:  pngCodec{},
		FormatBMP:  bmpCodec{},
		FormatTIFF: tiffCodec{},
	}}
}

// Register adds (or replaces) the codec for f. Registering a HEIF codec
// upgrades heif/heic from unsupported to fully cleanable.
func (r *Registry) Register(f Format, c Codec) {
	r.codecs[f] = c
}

// Lookup returns the codec for f, or false when the format cannot be
// round-tripped.
func (r *Registry) Lookup(f Format) (Codec, bool) {
	c, ok := r.codecs[f]
	return c, ok
}

type jpegCodec struct{}

func (jpegCodec) Decode(r io.Reader) (image.Image, error) { return jpeg.Decode(r) }
func (jpegCodec) Encode(w io.Writer, img image.Image) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: 95})
}

type pngCodec struct{}

func (pngCodec) Decode(r io.Reader) (image.Image, error)   { return png.Decode(r) }
func (pngCodec) Encode(w io.Writer, img image.Image) error { return png.Encode(w, img) }

type bmpCodec struct{}

func (bmpCodec) Decode(r io.Reader) (image.Image, error)   { return bmp.Decode(r) }
func (bmpCodec) Encode(w io.Writer, img image.Image) error { return bmp.Encode(w, img) }

type tiffCodec struct{}

func (tiffCodec) Decode(r io.Reader) (image.Image, error) { return tiff.Decode(r) }
func (tiffCodec) Encode(w io.Writer, img image.Image) error {
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
}
