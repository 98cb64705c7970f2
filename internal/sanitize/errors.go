package sanitize

import (
	"errors"
	"fmt"
)

// Failure reason codes recorded in the ledger and quarantine reports.
const (
	ReasonIO          = "io_error"
	ReasonDecode      = "decode_error"
	ReasonUnsupported = "unsupported_format"
	ReasonCapability  = "capability_error"
	ReasonBackup      = "backup_error"
)

// ErrUnsupportedFormat marks a format with no codec available for the
// requested phase (webp re-encode, heif without the optional codec, or an
// unrecognized extension).
var ErrUnsupportedFormat = errors.New("unsupported image format")

// DecodeError wraps a codec failure on corrupt or unparsable image data.
type DecodeError struct {
	Format Format
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ReasonFor maps an error from a cleaning phase to its reason code.
func ReasonFor(err error) string {
	var de *DecodeError
	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		return ReasonUnsupported
	case errors.As(err, &de):
		return ReasonDecode
	default:
		return ReasonCapability
	}
}
