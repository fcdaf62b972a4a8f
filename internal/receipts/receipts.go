package receipts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// File is an uploaded receipt.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Service stores a receipt and returns an opaque reference URL.
type Service interface {
	Store(ctx context.Context, f File, ownerID string) (string, error)
}

// MaxSize bounds a single receipt.
const MaxSize = 10 << 20

var ErrInvalidFile = errors.New("invalid receipt file")

// ObjectKey builds receipts/{owner}/{unixMillis}_{sanitizedName}.
func ObjectKey(ownerID, name string, at time.Time) string {
	return fmt.Sprintf("receipts/%s/%d_%s", SanitizeName(ownerID), at.UnixMilli(), SanitizeName(name))
}

// SanitizeName replaces every character outside [A-Za-z0-9.] with an underscore.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "receipt"
	}
	return b.String()
}

func validate(f File, ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidFile)
	}
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: empty file", ErrInvalidFile)
	}
	if len(f.Data) > MaxSize {
		return fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidFile, MaxSize)
	}
	return nil
}

func contentType(f File) string {
	if ct := strings.TrimSpace(f.ContentType); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
