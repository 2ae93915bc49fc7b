// Package types defines core domain types for the Spotter pipeline.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// MediaKind is the declared kind of an uploaded payload.
type MediaKind string

// Media kinds accepted by the pipeline.
const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// ParseMediaKind parses a kind string, case-insensitively.
func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(strings.ToLower(strings.TrimSpace(s))) {
	case MediaImage:
		return MediaImage, nil
	case MediaVideo:
		return MediaVideo, nil
	default:
		return "", fmt.Errorf("invalid media kind %q (must be image or video)", s)
	}
}

// DefaultExtension returns the extension used when an upload carries none.
func (k MediaKind) DefaultExtension() string {
	if k == MediaVideo {
		return "mp4"
	}
	return "jpg"
}

// DefaultMIME returns the result MIME type used when none is configured.
func (k MediaKind) DefaultMIME() string {
	if k == MediaVideo {
		return "video/mp4"
	}
	return "image/jpeg"
}

// InlineField is the JSON field carrying an inline result for this kind.
func (k MediaKind) InlineField() string {
	if k == MediaVideo {
		return "videoBase64"
	}
	return "imageBase64"
}

// Title returns the capitalized kind name for user-facing messages.
func (k MediaKind) Title() string {
	if k == "" {
		return ""
	}
	return strings.ToUpper(string(k[:1])) + string(k[1:])
}

// RequestMeta identifies a single pipeline request.
type RequestMeta struct {
	// RequestID is the unique request identifier.
	RequestID string
	// Kind is the declared media kind.
	Kind MediaKind
}

// Validate checks that required request metadata is present.
func (m *RequestMeta) Validate() error {
	if m == nil {
		return errors.New("request metadata is required")
	}
	if m.RequestID == "" {
		return errors.New("request_id is required")
	}
	if _, err := ParseMediaKind(string(m.Kind)); err != nil {
		return err
	}
	return nil
}

// UploadHandle is a staged upload owned by one request.
// Release is guarded so the file is removed at most once.
type UploadHandle struct {
	// RequestID is the owning request.
	RequestID string
	// Path is the staged file location.
	Path string
	// OriginalName is the client-supplied filename. Never used for paths.
	OriginalName string
	// Kind is the declared media kind.
	Kind MediaKind
	// MIME is the declared content type of the upload.
	MIME string
	// Size is the number of bytes staged.
	Size int64

	releaseOnce sync.Once
}

// ReleaseOnce runs fn the first time it is called for this handle.
// Reports whether fn ran.
func (h *UploadHandle) ReleaseOnce(fn func()) bool {
	ran := false
	h.releaseOnce.Do(func() {
		ran = true
		fn()
	})
	return ran
}
