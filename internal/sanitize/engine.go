// Package sanitize implements the two cleaning capabilities consumed by the
// pipeline: a metadata strip (re-encode, dropping EXIF/XMP/ancillary chunks)
// and a pixel pass that removes colored tracking marks by HSV thresholding.
package sanitize

import (
	"bytes"
	"fmt"
	"image"
)

// Phase is the tagged outcome of a cleaning phase. A skipped phase is a
// legitimate pass-through, distinguishable from failure.
type Phase string

const (
	PhaseApplied Phase = "applied"
	PhaseSkipped Phase = "skipped"
)

// Params tunes the tracking-mark detection. Hue is on the 0-179 half-degree
// scale, saturation and value on 0-255 (matching the usual HSV threshold
// convention for this kind of mask).
type Params struct {
	Enabled          bool
	HueCenter        int
	HueTolerance     int
	MinSaturation    int
	MinValue         int
	MedianBlurKernel int
	MorphKernel      int
	MorphIterations  int
}

// DefaultParams detects the green calibration dots most pipelines embed:
// HSV bounds [35,40,40]-[85,255,255].
func DefaultParams() Params {
	return Params{
		Enabled:          true,
		HueCenter:        60,
		HueTolerance:     25,
		MinSaturation:    40,
		MinValue:         40,
		MedianBlurKernel: 5,
		MorphKernel:      3,
		MorphIterations:  2,
	}
}

// Engine implements both cleaning capabilities over a codec registry.
type Engine struct {
	codecs *Registry
}

// NewEngine creates an Engine with the given registry (nil means built-ins).
func NewEngine(codecs *Registry) *Engine {
	if codecs == nil {
		codecs = NewRegistry()
	}
	return &Engine{codecs: codecs}
}

// CleanMetadata strips embedded metadata from data by decoding the pixels
// and re-encoding them from scratch. Returns ErrUnsupportedFormat when the
// format cannot be round-tripped and a DecodeError for corrupt input.
func (e *Engine) CleanMetadata(data []byte, f Format) ([]byte, error) {
	codec, ok := e.codecs.Lookup(f)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, formatLabel(f))
	}

	img, err := codec.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Format: f, Err: err}
	}

	var buf bytes.Buffer
	if err := codec.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("re-encode %s: %w", f, err)
	}
	return buf.Bytes(), nil
}

// CleanPixels removes regions matching the configured HSV window from the
// image in data. Formats without a codec return PhaseSkipped with the input
// unchanged — metadata cleaning alone is a valid outcome for them. Disabled
// detection also skips.
func (e *Engine) CleanPixels(data []byte, f Format, p Params) (Phase, []byte, error) {
	if !p.Enabled {
		return PhaseSkipped, data, nil
	}
	codec, ok := e.codecs.Lookup(f)
	if !ok {
		return PhaseSkipped, data, nil
	}

	img, err := codec.Decode(bytes.NewReader(data))
	if err != nil {
		return "", nil, &DecodeError{Format: f, Err: err}
	}

	cleaned := removeTrackingMarks(img, p)

	var buf bytes.Buffer
	if err := codec.Encode(&buf, cleaned); err != nil {
		return "", nil, fmt.Errorf("re-encode %s: %w", f, err)
	}
	return PhaseApplied, buf.Bytes(), nil
}

func formatLabel(f Format) string {
	if f == FormatUnknown {
		return "unknown"
	}
	return string(f)
}

// removeTrackingMarks builds a binary mask of pixels inside the HSV window,
// denoises it (median filter, then morphological close and open), and fills
// the surviving mask regions from a blurred copy of the image.
func removeTrackingMarks(src image.Image, p Params) image.Image {
	rgba := toRGBA(src)
	b := rgba.Bounds()
	w, h := b.Dx(), b.Dy()

	mask := hsvMask(rgba, p)
	if k := p.MedianBlurKernel; k > 1 {
		mask = medianFilter(mask, w, h, k|1) // kernel must be odd
	}
	for i := 0; i < p.MorphIterations; i++ {
		mask = dilate(mask, w, h, p.MorphKernel) // close: fill pinholes
	}
	for i := 0; i < p.MorphIterations; i++ {
		mask = erode(mask, w, h, p.MorphKernel)
	}
	for i := 0; i < p.MorphIterations; i++ {
		mask = erode(mask, w, h, p.MorphKernel) // open: drop speckles
	}
	for i := 0; i < p.MorphIterations; i++ {
		mask = dilate(mask, w, h, p.MorphKernel)
	}

	if !anySet(mask) {
		return rgba
	}
	// Widen the mask one step so anti-aliased mark edges fall inside the fill.
	mask = dilate(mask, w, h, p.MorphKernel)

	// Fill masked pixels from a heavily blurred copy so the patch blends
	// with its surroundings instead of leaving a hard-edged hole.
	blurred := boxBlur(rgba, 7, mask)
	out := image.NewRGBA(b)
	copy(out.Pix, rgba.Pix)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if mask[y*w+x] == 0 {
				continue
			}
			i := out.PixOffset(b.Min.X+x, b.Min.Y+y)
			j := blurred.PixOffset(b.Min.X+x, b.Min.Y+y)
			copy(out.Pix[i:i+3], blurred.Pix[j:j+3])
		}
	}
	return out
}
