package sanitize

import (
	"image"
	"image/draw"
)

func toRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba
	}
	b := src.Bounds()
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, src, b.Min, draw.Src)
	return rgba
}

// hsvMask returns a w*h binary mask (0 or 255) of pixels inside the HSV
// window. Bounds follow the original thresholds: hue clamped to [0,179]
// without wraparound, saturation/value lower-bounded only.
func hsvMask(img *image.RGBA, p Params) []uint8 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	mask := make([]uint8, w*h)

	hueLo := p.HueCenter - p.HueTolerance
	if hueLo < 0 {
		hueLo = 0
	}
	hueHi := p.HueCenter + p.HueTolerance
	if hueHi > 179 {
		hueHi = 179
	}

	for y := 0; y < h; y++ {
		base := img.PixOffset(b.Min.X, b.Min.Y+y)
		row := img.Pix[base : base+w*4]
		for x := 0; x < w; x++ {
			r, g, bl := row[x*4], row[x*4+1], row[x*4+2]
			hue, sat, val := rgbToHSV(r, g, bl)
			if hue >= hueLo && hue <= hueHi &&
				sat >= p.MinSaturation && val >= p.MinValue {
				mask[y*w+x] = 255
			}
		}
	}
	return mask
}

// rgbToHSV converts to the 0-179 / 0-255 / 0-255 scale.
func rgbToHSV(r, g, b uint8) (hue, sat, val int) {
	maxc := max3(r, g, b)
	minc := min3(r, g, b)
	val = int(maxc)
	if maxc == 0 {
		return 0, 0, 0
	}
	delta := int(maxc) - int(minc)
	sat = 255 * delta / int(maxc)
	if delta == 0 {
		return 0, sat, val
	}

	var deg int
	switch maxc {
	case r:
		deg = (60*(int(g)-int(b)))/delta + 360
	case g:
		deg = (60*(int(b)-int(r)))/delta + 120
	default:
		deg = (60*(int(r)-int(g)))/delta + 240
	}
	deg %= 360
	return deg / 2, sat, val
}

func max3(a, b, c uint8) uint8 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

func min3(a, b, c uint8) uint8 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// medianFilter applies a k×k median to a binary mask. For binary input the
// median is a majority vote over the window.
func medianFilter(mask []uint8, w, h, k int) []uint8 {
	out := make([]uint8, len(mask))
	r := k / 2
	half := k * k / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			set := 0
			for dy := -r; dy <= r; dy++ {
				yy := clamp(y+dy, 0, h-1)
				for dx := -r; dx <= r; dx++ {
					xx := clamp(x+dx, 0, w-1)
					if mask[yy*w+xx] != 0 {
						set++
					}
				}
			}
			if set > half {
				out[y*w+x] = 255
			}
		}
	}
	return out
}

func dilate(mask []uint8, w, h, k int) []uint8 {
	return morph(mask, w, h, k, true)
}

func erode(mask []uint8, w, h, k int) []uint8 {
	return morph(mask, w, h, k, false)
}

// morph applies a square structuring element: any-set for dilation,
// all-set for erosion.
func morph(mask []uint8, w, h, k int, dilating bool) []uint8 {
	if k < 2 {
		k = 3
	}
	out := make([]uint8, len(mask))
	r := k / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			hit := !dilating
			for dy := -r; dy <= r && hit != dilating; dy++ {
				yy := clamp(y+dy, 0, h-1)
				for dx := -r; dx <= r; dx++ {
					xx := clamp(x+dx, 0, w-1)
					set := mask[yy*w+xx] != 0
					if dilating && set {
						hit = true
						break
					}
					if !dilating && !set {
						hit = false
						break
					}
				}
			}
			if hit {
				out[y*w+x] = 255
			}
		}
	}
	return out
}

// boxBlur averages each pixel over a (2r+1)² window, ignoring masked pixels
// so the detected mark's own color never bleeds into the fill. Windows with
// no unmasked pixels fall back to the full window.
func boxBlur(img *image.RGBA, radius int, mask []uint8) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewRGBA(b)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sr, sg, sb, n int
			var fr, fg, fb, fn int
			for dy := -radius; dy <= radius; dy++ {
				yy := clamp(y+dy, 0, h-1)
				for dx := -radius; dx <= radius; dx++ {
					xx := clamp(x+dx, 0, w-1)
					i := img.PixOffset(b.Min.X+xx, b.Min.Y+yy)
					fr += int(img.Pix[i])
					fg += int(img.Pix[i+1])
					fb += int(img.Pix[i+2])
					fn++
					if mask[yy*w+xx] == 0 {
						sr += int(img.Pix[i])
						sg += int(img.Pix[i+1])
						sb += int(img.Pix[i+2])
						n++
					}
				}
			}
			if n == 0 {
				sr, sg, sb, n = fr, fg, fb, fn
			}
			o := out.PixOffset(b.Min.X+x, b.Min.Y+y)
			out.Pix[o] = uint8(sr / n)
			out.Pix[o+1] = uint8(sg / n)
			out.Pix[o+2] = uint8(sb / n)
			out.Pix[o+3] = img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y)+3]
		}
	}
	return out
}

func anySet(mask []uint8) bool {
	for _, v := range mask {
		if v != 0 {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
