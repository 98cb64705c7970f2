package sanitize

import (
	"path/filepath"
	"strings"
)

// Format identifies an image container format, detected by extension.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatBMP     Format = "bmp"
	FormatTIFF    Format = "tiff"
	FormatWebP    Format = "webp"
	FormatHEIF    Format = "heif"
	FormatUnknown Format = ""
)

var extFormats = map[string]Format{
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".png":  FormatPNG,
	".bmp":  FormatBMP,
	".tiff": FormatTIFF,
	".tif":  FormatTIFF,
	".webp": FormatWebP,
	".heif": FormatHEIF,
	".heic": FormatHEIF,
}

// DetectFormat returns the Format for path based on its extension, or
// FormatUnknown for anything outside the supported set (gif included).
func DetectFormat(path string) Format {
	return extFormats[strings.ToLower(filepath.Ext(path))]
}

// SupportedExt reports whether path carries a supported image extension.
// This is the front-door filter: files failing it are never fingerprinted
// or enqueued.
func SupportedExt(path string) bool {
	return DetectFormat(path) != FormatUnknown
}
