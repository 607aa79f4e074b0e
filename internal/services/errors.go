package services

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers for the ingestion error taxonomy. Components wrap their
// failures with one of these so API boundaries can classify with errors.Is
// without depending on the component that produced the error.
var (
	// ErrProtocolViolation covers non-contiguous or overlapping chunk offsets.
	// The session itself stays usable.
	ErrProtocolViolation = errors.New("upload protocol violation")
	// ErrSizeLimit covers declared lengths outside the configured bounds.
	ErrSizeLimit = errors.New("size limit exceeded")
	// ErrAssembly covers chunk concatenation or backing-store upload failures
	// after a session received all bytes.
	ErrAssembly = errors.New("assembly failure")
	// ErrUnsupportedType covers unrecognized file extensions at submission.
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrManifestMismatch covers reconstructed size != recorded total size.
	// Fatal and non-retryable for the owning document.
	ErrManifestMismatch = errors.New("manifest mismatch")
	// ErrDurationUnavailable covers media whose duration cannot be probed.
	// Fatal for that document; segmentation and ETA math need a real duration.
	ErrDurationUnavailable = errors.New("duration unavailable")
	// ErrNotFound covers unknown sessions and documents.
	ErrNotFound = errors.New("not found")
	// ErrTimeout covers per-call deadline expiry.
	ErrTimeout = errors.New("timeout")
	// ErrTransient is the default marker for everything else.
	ErrTransient = errors.New("transient failure")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Fatal reports whether an error must terminate the owning document rather
// than be recovered inline.
func Fatal(err error) bool {
	return errors.Is(err, ErrManifestMismatch) || errors.Is(err, ErrDurationUnavailable)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
