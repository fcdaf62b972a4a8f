package expense

import "errors"

var (
	ErrValidation       = errors.New("validation failed")
	ErrStaleState       = errors.New("stale state")
	ErrUnauthorized     = errors.New("not authorized")
	ErrNotFound         = errors.New("not found")
	ErrAttachmentUpload = errors.New("attachment upload failed")
)

// ErrorClass names the sentinel err wraps, for metrics and logs.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrStaleState):
		return "stale"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAttachmentUpload):
		return "attachment"
	default:
		return "error"
	}
}
