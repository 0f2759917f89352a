// Package fs keeps attachment content under a local media directory.
//
// Each object is two files: the content at <root>/<key> and a JSON sidecar
// at <root>/<key>.meta holding its size, digest and content type.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"kobocat/internal/blob/core"
)

const sidecarExt = ".meta"

// Store is a directory of write-once objects.
type Store struct {
	root    string
	baseURL string
}

// New roots a store at dir, creating it when absent. An empty dir means
// ./media.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = "./media"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Store{root: dir}, nil
}

// WithBaseURL sets the public prefix the media directory is served under.
// Without one the store cannot hand out download links.
func (s *Store) WithBaseURL(base string) *Store {
	s.baseURL = strings.TrimSuffix(base, "/")
	return s
}

func (s *Store) Root() string { return s.root }

func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SHA256      string            `json:"sha256"`
	Size        int64             `json:"size"`
	Written     time.Time         `json:"written"`
}

func (m sidecar) info(key string) core.Info {
	return core.Info{
		Key:          key,
		Size:         m.Size,
		ContentType:  m.ContentType,
		ETag:         m.SHA256,
		Metadata:     core.CloneMetadata(m.Metadata),
		LastModified: m.Written,
	}
}

// locate maps key onto the data file. Keys stay relative, never climb out
// of the root and never collide with a sidecar name.
func (s *Store) locate(key string) (string, error) {
	clean := path.Clean(strings.TrimSpace(key))
	switch {
	case key == "" || clean == ".":
		return "", errors.New("blob key is empty")
	case strings.HasPrefix(key, "/"):
		return "", fmt.Errorf("blob key %q is absolute", key)
	case clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(key, ".."):
		return "", fmt.Errorf("blob key %q leaves the media root", key)
	case strings.HasSuffix(clean, sidecarExt):
		return "", fmt.Errorf("blob key %q uses the reserved %s suffix", key, sidecarExt)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes through a temp file in the target directory and links it into
// place. os.Link refuses an existing name, which keeps the key write-once
// under concurrent uploads.
func (s *Store) Put(_ context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	dst, err := s.locate(key)
	if err != nil {
		return core.Info{}, err
	}
	if _, err := os.Lstat(dst); err == nil {
		return core.Info{}, fmt.Errorf("blob %s: %w", key, core.ErrExists)
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return core.Info{}, err
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return core.Info{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	digest := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, digest), r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return core.Info{}, fmt.Errorf("write blob %s: %w", key, err)
	}
	if err := os.Link(tmp.Name(), dst); err != nil {
		if errors.Is(err, iofs.ErrExist) {
			return core.Info{}, fmt.Errorf("blob %s: %w", key, core.ErrExists)
		}
		return core.Info{}, err
	}
	meta := sidecar{
		ContentType: opts.ContentType,
		Metadata:    core.CloneMetadata(opts.Metadata),
		SHA256:      hex.EncodeToString(digest.Sum(nil)),
		Size:        n,
		Written:     time.Now().UTC(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return core.Info{}, err
	}
	if err := os.WriteFile(dst+sidecarExt, raw, 0o640); err != nil {
		return core.Info{}, err
	}
	return meta.info(key), nil
}

func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return core.Info{}, nil, err
	}
	dst, _ := s.locate(key)
	f, err := os.Open(dst)
	if errors.Is(err, iofs.ErrNotExist) {
		return core.Info{}, nil, fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	if err != nil {
		return core.Info{}, nil, err
	}
	return info, f, nil
}

func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	dst, err := s.locate(key)
	if err != nil {
		return core.Info{}, err
	}
	meta, err := readSidecar(dst + sidecarExt)
	if errors.Is(err, iofs.ErrNotExist) {
		return core.Info{}, fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	if err != nil {
		return core.Info{}, err
	}
	return meta.info(key), nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	dst, err := s.locate(key)
	if err != nil {
		return false, err
	}
	switch err := os.Remove(dst); {
	case errors.Is(err, iofs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, err
	}
	_ = os.Remove(dst + sidecarExt)
	return true, nil
}

// List reads every sidecar under the root whose key has prefix.
func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	var out []core.Info
	walk := func(p string, d iofs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, sidecarExt) {
			return err
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(p, sidecarExt))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		meta, err := readSidecar(p)
		if err != nil {
			return err
		}
		out = append(out, meta.info(key))
		return nil
	}
	if err := filepath.WalkDir(s.root, walk); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PresignURL links to the key under the public base URL. Links neither
// expire nor carry a signature, so the media directory must be served
// with its own access control.
func (s *Store) PresignURL(_ context.Context, key string, opts core.SignedURLOptions) (string, error) {
	if s.baseURL == "" || (opts.Method != "" && !strings.EqualFold(opts.Method, "GET")) {
		return "", core.ErrUnsupported
	}
	return s.baseURL + "/" + (&url.URL{Path: key}).EscapedPath(), nil
}

func readSidecar(p string) (sidecar, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return sidecar{}, err
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return sidecar{}, fmt.Errorf("decode %s: %w", p, err)
	}
	return meta, nil
}
