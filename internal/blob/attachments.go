package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// AttachmentFilename is the logical name of a submission's media file:
// <owner>/attachments/<form uuid>/<instance uuid>/<basename>.
func AttachmentFilename(owner, formUUID, instanceUUID, basename string) string {
	return path.Join(owner, "attachments", formUUID, instanceUUID, SafeBasename(basename))
}

// AttachmentKey nests the content digest into the logical name, so the same
// bytes uploaded twice resolve to one object.
func AttachmentKey(filename, sha256Hex string) string {
	dir, base := path.Split(filename)
	return path.Join(dir, sha256Hex, base)
}

// SafeBasename strips any client supplied directory components.
func SafeBasename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." {
		return "file"
	}
	return base
}

// PutIfAbsent stores data under key unless the key already holds content.
// The returned bool is true when a write happened.
func PutIfAbsent(ctx context.Context, store Store, key string, data []byte, opts PutOptions) (Info, bool, error) {
	info, err := store.Head(ctx, key)
	if err == nil {
		return info, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Info{}, false, fmt.Errorf("head %s: %w", key, err)
	}
	info, err = store.Put(ctx, key, bytes.NewReader(data), opts)
	if errors.Is(err, ErrExists) {
		info, err = store.Head(ctx, key)
		return info, false, err
	}
	if err != nil {
		return Info{}, false, fmt.Errorf("put %s: %w", key, err)
	}
	return info, true, nil
}
