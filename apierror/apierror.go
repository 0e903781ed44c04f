// Package apierror defines the error kinds surfaced by the map server and
// their mapping onto HTTP responses.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrImportTargetMissing = errors.New("import target missing")
	ErrInvalidMetadata     = errors.New("invalid archive metadata")
	ErrUnsupportedFormat   = errors.New("unsupported tile format")
	ErrDuplicateStyle      = errors.New("style already exists")
	ErrMissingAccessToken  = errors.New("missing access token")
	ErrInvalidStyle        = errors.New("invalid style")
	ErrOutOfRange          = errors.New("out of range")
	ErrInvalidRange        = errors.New("invalid glyph range")
	ErrNotFound            = errors.New("not found")
	// ErrNoFurtherData is returned to a progress subscriber that has already
	// seen the terminal message.
	ErrNoFurtherData = errors.New("no further data")
)

// UpstreamError carries a non-success status from the upstream provider to
// the caller unchanged.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream responded with status %d", e.Status)
}

// Code is the stable machine readable code of the error.
func (e *UpstreamError) Code() string {
	return fmt.Sprintf("FORWARDED_UPSTREAM_%d", e.Status)
}

var kinds = []struct {
	err    error
	code   string
	status int
}{
	{ErrImportTargetMissing, "IMPORT_TARGET_MISSING", http.StatusBadRequest},
	{ErrInvalidMetadata, "INVALID_METADATA", http.StatusBadRequest},
	{ErrUnsupportedFormat, "UNSUPPORTED_FORMAT", http.StatusBadRequest},
	{ErrDuplicateStyle, "DUPLICATE_STYLE", http.StatusConflict},
	{ErrMissingAccessToken, "MISSING_ACCESS_TOKEN", http.StatusUnauthorized},
	{ErrInvalidStyle, "INVALID_STYLE", http.StatusBadRequest},
	{ErrOutOfRange, "OUT_OF_RANGE", http.StatusNotFound},
	{ErrInvalidRange, "INVALID_RANGE", http.StatusBadRequest},
	{ErrNotFound, "NOT_FOUND", http.StatusNotFound},
	{ErrNoFurtherData, "NO_FURTHER_DATA", http.StatusNoContent},
}

// Code returns the stable code for err, or INTERNAL for unknown errors.
func Code(err error) string {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Code()
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "INTERNAL"
}

// Status returns the HTTP status used to report err.
func Status(err error) int {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}
