package upload

import (
	"errors"
	"net/http"

	"lanshare/internal/fsutil"
)

var (
	ErrValidation       = errors.New("invalid upload request")
	ErrTooLarge         = errors.New("upload exceeds limit")
	ErrHeaderTooLong    = errors.New("multipart header too long")
	ErrTruncated        = errors.New("upload stream truncated")
	ErrMalformedTrailer = errors.New("malformed multipart trailer")
	ErrStorage          = errors.New("storage fault")
)

// Status maps an upload error to the HTTP status and the short message sent to
// the client. Unknown errors are storage faults.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "Upload exceeds limit."
	case errors.Is(err, ErrHeaderTooLong):
		return http.StatusRequestHeaderFieldsTooLarge, "Multipart header too long."
	case errors.Is(err, ErrTruncated):
		return http.StatusBadRequest, "Upload stream ended early."
	case errors.Is(err, ErrMalformedTrailer):
		return http.StatusBadRequest, "Malformed multipart payload."
	case errors.Is(err, fsutil.ErrRejected):
		return http.StatusBadRequest, "Invalid file name."
	case errors.Is(err, ErrValidation):
		// validation messages never carry client input
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "Failed to save file."
	}
}
