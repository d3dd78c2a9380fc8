package download

import (
	"fmt"
	"os"
)

// Target is the pre-allocated destination file. Slices write into disjoint
// regions of it with WriteAt; the manager owns open/close and final sizing.
type Target struct {
	path string
	file *os.File
}

func OpenTarget(path string) (*Target, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening target file %s: %w", path, err)
	}
	return &Target{path: path, file: file}, nil
}

// CreateFixedSizeFile creates (or resets) a file of exactly size bytes.
// A sparse file is acceptable.
func CreateFixedSizeFile(path string, size int64) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	if size > 0 {
		if err := file.Truncate(size); err != nil {
			return err
		}
	}
	return file.Sync()
}

func (t *Target) Path() string {
	return t.path
}

// EnsureSize grows or shrinks the file to exactly n bytes.
func (t *Target) EnsureSize(n int64) error {
	return t.file.Truncate(n)
}

func (t *Target) Size() (int64, error) {
	st, err := t.file.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (t *Target) WriteAt(p []byte, off int64) (int, error) {
	return t.file.WriteAt(p, off)
}

func (t *Target) ReadAt(p []byte, off int64) (int, error) {
	return t.file.ReadAt(p, off)
}

func (t *Target) Truncate(n int64) error {
	return t.file.Truncate(n)
}

func (t *Target) Sync() error {
	return t.file.Sync()
}

func (t *Target) Close() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// Remove closes the file and deletes it from disk.
func (t *Target) Remove() error {
	t.Close()
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
