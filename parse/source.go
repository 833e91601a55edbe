package parse

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

var ErrFileNotFound = errors.New("file not found")

// Where static GTFS relations are read from. Open returns
// ErrFileNotFound for relations the feed doesn't include.
type Source interface {
	Open(name string) (io.ReadCloser, error)
}

// A GTFS zip archive held in memory.
type ZipSource struct {
	files map[string]*zip.File
}

func NewZipSource(buf []byte) (*ZipSource, error) {
	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	files := map[string]*zip.File{}
	for _, f := range r.File {
		// There should not be any subdirectories. But, some
		// agencies don't care.
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		files[path[len(path)-1]] = f
	}

	return &ZipSource{files: files}, nil
}

func (z *ZipSource) Open(name string) (io.ReadCloser, error) {
	f, found := z.files[name]
	if !found {
		return nil, errors.Wrap(ErrFileNotFound, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.Name, err)
	}
	return rc, nil
}

// A directory of extracted GTFS files.
type DirSource struct {
	Dir string
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir}
}

func (d *DirSource) Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(d.Dir, name))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrFileNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	return f, nil
}
