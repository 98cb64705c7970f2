package sanitize

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MetaReport summarizes the privacy-relevant metadata found in an image.
// Used for audit logging before a clean and by tests to prove tags are gone
// afterwards.
type MetaReport struct {
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	HasEXIF     bool   `json:"has_exif"`
	HasGPS      bool   `json:"has_gps"`
	CameraMake  string `json:"camera_make,omitempty"`
	CameraModel string `json:"camera_model,omitempty"`
	Software    string `json:"software,omitempty"`
}

// Inspect reads image dimensions and EXIF presence from data. Images with
// no parsable EXIF yield an empty report, not an error.
func Inspect(data []byte) MetaReport {
	var report MetaReport

	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		report.Width = cfg.Width
		report.Height = cfg.Height
	}

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return report
	}
	report.HasEXIF = true

	report.CameraMake = exifString(x, exif.Make)
	report.CameraModel = exifString(x, exif.Model)
	report.Software = exifString(x, exif.Software)

	if _, err := x.Get(exif.GPSLatitude); err == nil {
		report.HasGPS = true
	} else if _, err := x.Get(exif.GPSLongitude); err == nil {
		report.HasGPS = true
	}
	return report
}

func exifString(x *exif.Exif, field exif.FieldName) string {
	tag, err := x.Get(field)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
