package ingest

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"kobocat/pkg/domain"
)

// ImportResult summarises a bulk import.
type ImportResult struct {
	Total   int
	Success int
	Errors  []string
}

// Rejected is the number of instances that were not imported.
func (r ImportResult) Rejected() int { return r.Total - r.Success }

type zipInstance struct {
	xml   *zip.File
	media []*zip.File
}

// ImportZip imports every instance of an ODK export archive for owner. Each
// .xml file is one instance; the other files of its directory are its
// attachments. Failures of single instances are collected, not returned.
func (s *Service) ImportZip(ctx context.Context, owner string, r io.ReaderAt, size int64) (ImportResult, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return ImportResult{}, fmt.Errorf("open archive: %w", err)
	}
	var res ImportResult
	for _, item := range groupArchive(zr.File) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Total++
		if err := s.importOne(ctx, owner, item); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", item.xml.Name, err))
			continue
		}
		res.Success++
	}
	s.logger.Info("archive imported", zap.String("user", owner), zap.Int("total", res.Total), zap.Int("success", res.Success))
	return res, nil
}

func (s *Service) importOne(ctx context.Context, owner string, item zipInstance) error {
	raw, err := readZipFile(item.xml, s.maxEntry)
	if err != nil {
		return err
	}
	sub := Submission{
		Username: owner,
		XML:      raw,
		Status:   domain.StatusImportedViaZip,
		Trusted:  true,
	}
	for _, f := range item.media {
		data, err := readZipFile(f, s.maxEntry)
		if err != nil {
			return err
		}
		ct := mime.TypeByExtension(path.Ext(f.Name))
		if ct == "" {
			ct = "application/octet-stream"
		}
		sub.Media = append(sub.Media, MediaFile{Name: path.Base(f.Name), ContentType: ct, Data: data})
	}
	_, err = s.CreateInstance(ctx, sub)
	return err
}

func groupArchive(files []*zip.File) []zipInstance {
	type dir struct {
		xml   []*zip.File
		media []*zip.File
	}
	dirs := make(map[string]*dir)
	for _, f := range files {
		name := f.Name
		if f.FileInfo().IsDir() || strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), ".") {
			continue
		}
		key := path.Dir(name)
		d, ok := dirs[key]
		if !ok {
			d = &dir{}
			dirs[key] = d
		}
		if strings.EqualFold(path.Ext(name), ".xml") {
			d.xml = append(d.xml, f)
		} else {
			d.media = append(d.media, f)
		}
	}
	keys := make([]string, 0, len(dirs))
	for k := range dirs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []zipInstance
	for _, k := range keys {
		d := dirs[k]
		sort.Slice(d.xml, func(i, j int) bool { return d.xml[i].Name < d.xml[j].Name })
		for _, x := range d.xml {
			out = append(out, zipInstance{xml: x, media: d.media})
		}
	}
	return out
}

// readZipFile reads at most limit decompressed bytes of f. The header size
// is checked first, but the reader is capped too since headers can lie.
func readZipFile(f *zip.File, limit int64) ([]byte, error) {
	if f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("%s: %w", f.Name, ErrEntryTooLarge)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s: %w", f.Name, ErrEntryTooLarge)
	}
	return data, nil
}
