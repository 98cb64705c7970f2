package sanitize

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

// grayWithDot renders a gray background with a solid colored disc of the
// given radius at the center.
func grayWithDot(w, h, radius int, dot color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bg := color.RGBA{128, 128, 128, 255}
	cx, cy := w/2, h/2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= radius*radius {
				img.SetRGBA(x, y, dot)
			} else {
				img.SetRGBA(x, y, bg)
			}
		}
	}
	return img
}

func encodePNG(tb testing.TB, img image.Image) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}

func encodeJPEG(tb testing.TB, img image.Image) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}

// jpegWithGPS splices a minimal EXIF APP1 segment carrying Make and GPS
// coordinates into an encoded JPEG, right after the SOI marker.
func jpegWithGPS(tb testing.TB, img image.Image) []byte {
	tb.Helper()
	plain := encodeJPEG(tb, img)
	if len(plain) < 2 || plain[0] != 0xFF || plain[1] != 0xD8 {
		tb.Fatal("encoder did not produce a JPEG")
	}

	tiffBlock := buildGPSTIFF()
	payload := append([]byte("Exif\x00\x00"), tiffBlock...)

	app1 := make([]byte, 0, 4+len(payload))
	app1 = append(app1, 0xFF, 0xE1)
	app1 = binary.BigEndian.AppendUint16(app1, uint16(len(payload)+2))
	app1 = append(app1, payload...)

	out := make([]byte, 0, len(plain)+len(app1))
	out = append(out, plain[:2]...)
	out = append(out, app1...)
	out = append(out, plain[2:]...)
	return out
}

// buildGPSTIFF assembles a little-endian TIFF block: IFD0 with a Make tag
// and a GPS sub-IFD holding latitude/longitude.
func buildGPSTIFF() []byte {
	le := binary.LittleEndian
	var b []byte
	put16 := func(v uint16) { b = le.AppendUint16(b, v) }
	put32 := func(v uint32) { b = le.AppendUint32(b, v) }
	entry := func(tag, typ uint16, count, value uint32) {
		put16(tag)
		put16(typ)
		put32(count)
		put32(value)
	}

	const (
		typeASCII    = 2
		typeLong     = 4
		typeRational = 5

		tagMake   = 0x010F
		tagGPSIFD = 0x8825
		tagLatRef = 0x0001
		tagLat    = 0x0002
		tagLonRef = 0x0003
		tagLon    = 0x0004
	)
	const (
		offIFD0   = 8
		offMake   = offIFD0 + 2 + 2*12 + 4 // 38
		offGPSIFD = offMake + 6            // 44
		offLat    = offGPSIFD + 2 + 4*12 + 4
		offLon    = offLat + 24
	)

	// Header
	b = append(b, 'I', 'I')
	put16(42)
	put32(offIFD0)

	// IFD0: Make + GPS IFD pointer
	put16(2)
	entry(tagMake, typeASCII, 6, offMake)
	entry(tagGPSIFD, typeLong, 1, offGPSIFD)
	put32(0)

	b = append(b, "Canon\x00"...)

	// GPS IFD
	put16(4)
	entry(tagLatRef, typeASCII, 2, uint32('N')) // "N\0" fits inline
	entry(tagLat, typeRational, 3, offLat)
	entry(tagLonRef, typeASCII, 2, uint32('E'))
	entry(tagLon, typeRational, 3, offLon)
	put32(0)

	// 37° 46' 30.00" N
	for _, r := range [][2]uint32{{37, 1}, {46, 1}, {3000, 100}} {
		put32(r[0])
		put32(r[1])
	}
	// 122° 25' 10.00" E
	for _, r := range [][2]uint32{{122, 1}, {25, 1}, {1000, 100}} {
		put32(r[0])
		put32(r[1])
	}
	return b
}
