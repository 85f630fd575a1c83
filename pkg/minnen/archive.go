package minnen

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"k8s.io/klog/v2"
)

// Entry is one file within an export archive.
type Entry struct {
	Path string
	Dir  bool

	open func() (io.ReadCloser, error)
}

// Bytes reads the entry's contents.
func (e Entry) Bytes() ([]byte, error) {
	rc, err := e.open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", e.Path, err)
	}
	defer rc.Close()

	bs, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", e.Path, err)
	}
	return bs, nil
}

// Reader lists the entries of an export archive.
type Reader interface {
	Entries() []Entry
}

type memReader struct {
	entries []Entry
}

func (r *memReader) Entries() []Entry { return r.entries }

// OpenZip reads a zip archive held in memory.
func OpenZip(bs []byte) (Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(bs), int64(len(bs)))
	if err != nil {
		return nil, fmt.Errorf("read zip: %w", err)
	}

	r := &memReader{}
	for _, f := range zr.File {
		r.entries = append(r.entries, Entry{
			Path: f.Name,
			Dir:  f.FileInfo().IsDir(),
			open: f.Open,
		})
	}
	klog.V(1).Infof("opened zip with %d entries", len(r.entries))
	return r, nil
}

// OpenDir reads an already-extracted export directory.
func OpenDir(root string) (Reader, error) {
	r := &memReader{}

	err := godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if filepath.Base(path)[0] == '.' && path != root {
				return godirwalk.SkipThis
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}

			p := path
			r.entries = append(r.entries, Entry{
				Path: filepath.ToSlash(rel),
				Dir:  de.IsDir(),
				open: func() (io.ReadCloser, error) { return os.Open(p) },
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	klog.V(1).Infof("walked %s: %d entries", root, len(r.entries))
	return r, nil
}

// archiveBuilder packages output files into a zip.
type archiveBuilder struct {
	buf bytes.Buffer
	zw  *zip.Writer
}

func newArchiveBuilder() *archiveBuilder {
	b := &archiveBuilder{}
	b.zw = zip.NewWriter(&b.buf)
	return b
}

func (b *archiveBuilder) Add(name string, data []byte) error {
	w, err := b.zw.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (b *archiveBuilder) Finish() ([]byte, error) {
	if err := b.zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return b.buf.Bytes(), nil
}

// normalizePath canonicalizes an archive path for comparison: forward
// slashes, no leading "./", no duplicate slashes, case-insensitive.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return strings.ToLower(p)
}
