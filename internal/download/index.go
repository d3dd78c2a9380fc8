package download

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	indexMagic   = "ZOEIDX"
	indexVersion = 1

	// IndexFileExtension is appended to the final target path to form the
	// sidecar path.
	IndexFileExtension = ".index"
)

var (
	ErrIndexNotFound = errors.New("index file not found")
	ErrIndexCorrupt  = errors.New("index file corrupt")
)

// SliceRecord is the persisted progress of one slice.
type SliceRecord struct {
	Index     uint32 `yaml:"index"`
	Begin     int64  `yaml:"begin"`
	End       int64  `yaml:"end"`
	Completed int64  `yaml:"completed"`
	Failed    uint32 `yaml:"failed"`
}

// Layout is the durable description of a partitioned download.
type Layout struct {
	URL        string        `yaml:"url"`
	FileSize   int64         `yaml:"file_size"`
	ContentMD5 string        `yaml:"content_md5,omitempty"`
	HashType   string        `yaml:"hash_type,omitempty"`
	HashValue  string        `yaml:"hash_value,omitempty"`
	Slices     []SliceRecord `yaml:"slices"`
}

type indexDoc struct {
	Magic   string `yaml:"magic"`
	Version int    `yaml:"version"`
	Layout  `yaml:",inline"`
}

// IndexFile is the sidecar at <target_path>.index. Store is atomic: the
// document is written to a temp path, fsynced and renamed into place.
type IndexFile struct {
	path string
}

func NewIndexFile(targetPath string) *IndexFile {
	return &IndexFile{path: targetPath + IndexFileExtension}
}

func (ix *IndexFile) Path() string {
	return ix.path
}

func (ix *IndexFile) Load() (*Layout, error) {
	data, err := os.ReadFile(ix.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrIndexNotFound
		}
		return nil, fmt.Errorf("%w: %s", ErrIndexCorrupt, err)
	}
	var doc indexDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIndexCorrupt, err)
	}
	if doc.Magic != indexMagic || doc.Version != indexVersion {
		return nil, fmt.Errorf("%w: bad magic or version", ErrIndexCorrupt)
	}
	if err := validateLayout(&doc.Layout); err != nil {
		return nil, err
	}
	return &doc.Layout, nil
}

func (ix *IndexFile) Store(layout *Layout) error {
	doc := indexDoc{Magic: indexMagic, Version: indexVersion, Layout: *layout}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	tmp := ix.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, ix.path)
}

func (ix *IndexFile) Remove() error {
	if err := os.Remove(ix.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// validateLayout rejects layouts violating the partition invariant: slices
// cover [0, file_size) contiguously, or a single open-ended slice when the
// size is unknown.
func validateLayout(layout *Layout) error {
	if len(layout.Slices) == 0 {
		return fmt.Errorf("%w: no slices", ErrIndexCorrupt)
	}
	if layout.FileSize == -1 {
		if len(layout.Slices) != 1 || layout.Slices[0].End != -1 {
			return fmt.Errorf("%w: unknown size requires one open-ended slice", ErrIndexCorrupt)
		}
		return nil
	}
	var prevEnd int64 = -1
	for i, rec := range layout.Slices {
		if rec.Begin != prevEnd+1 {
			return fmt.Errorf("%w: slice %d begins at %d, want %d", ErrIndexCorrupt, i, rec.Begin, prevEnd+1)
		}
		if rec.End == -1 || rec.End < rec.Begin-1 {
			return fmt.Errorf("%w: slice %d has invalid end %d", ErrIndexCorrupt, i, rec.End)
		}
		if rec.Completed < 0 || rec.Completed > rec.End-rec.Begin+1 {
			return fmt.Errorf("%w: slice %d completed %d out of range", ErrIndexCorrupt, i, rec.Completed)
		}
		prevEnd = rec.End
	}
	if prevEnd != layout.FileSize-1 {
		return fmt.Errorf("%w: slices end at %d, want %d", ErrIndexCorrupt, prevEnd, layout.FileSize-1)
	}
	return nil
}
