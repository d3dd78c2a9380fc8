package download

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/WilliamQf-AI/zoe/internal/transport"
	"github.com/WilliamQf-AI/zoe/internal/types"
	"github.com/WilliamQf-AI/zoe/internal/utils"
)

// Manager owns the slice vector, the target file and the index sidecar. All
// mutations happen on the driver goroutine; slice write callbacks only touch
// their own cache and counters.
type Manager struct {
	opt      *types.Options
	finalURL string
	// originFileSize is atomic so the progress reporter goroutine may read
	// it while finalization settles an unknown size.
	originFileSize atomic.Int64
	contentMD5     string
	slices         []*Slice
	target         *Target
	index          *IndexFile
	log            zerolog.Logger
}

// NewManager opens (or creates) the target file and binds the index sidecar.
// The write path carries the temporary extension until finalization succeeds.
func NewManager(opt *types.Options, finalURL string) (*Manager, error) {
	target, err := OpenTarget(opt.TargetFilePath + opt.TmpFileExtension)
	if err != nil {
		return nil, err
	}
	mg := &Manager{
		opt:      opt,
		finalURL: finalURL,
		target:   target,
		index:    NewIndexFile(opt.TargetFilePath),
		log:      utils.GetLogger("slices"),
	}
	mg.originFileSize.Store(-1)
	return mg, nil
}

func (mg *Manager) FinalURL() string      { return mg.finalURL }
func (mg *Manager) OriginFileSize() int64 { return mg.originFileSize.Load() }
func (mg *Manager) ContentMD5() string    { return mg.contentMD5 }
func (mg *Manager) SliceCount() int       { return len(mg.slices) }

func (mg *Manager) SetOriginFileSize(n int64) { mg.originFileSize.Store(n) }
func (mg *Manager) SetContentMD5(md5 string)  { mg.contentMD5 = md5 }

// LoadExistSlices restores a previous run's layout. Every check must pass:
// the index parses, its size and MD5 match the probe, and each slice's
// partial data is readable from the target. Any failure discards the stale
// state and returns an error, forcing MakeSlices.
func (mg *Manager) LoadExistSlices(expectedSize int64, expectedMD5 string) error {
	layout, err := mg.index.Load()
	if err != nil {
		if !errors.Is(err, ErrIndexNotFound) {
			mg.log.Debug().Err(err).Msg("Discarding unusable index file")
			mg.discardExistState()
		}
		return err
	}
	if layout.FileSize != expectedSize {
		mg.discardExistState()
		return fmt.Errorf("index file size %d does not match remote size %d", layout.FileSize, expectedSize)
	}
	if layout.ContentMD5 != "" && expectedMD5 != "" && !strings.EqualFold(layout.ContentMD5, expectedMD5) {
		mg.discardExistState()
		return fmt.Errorf("index content md5 does not match remote")
	}
	for _, rec := range layout.Slices {
		if rec.Completed > 0 {
			var b [1]byte
			if _, err := mg.target.ReadAt(b[:], rec.Begin+rec.Completed-1); err != nil {
				mg.discardExistState()
				return fmt.Errorf("target region of slice %d unreadable: %w", rec.Index, err)
			}
		}
	}

	mg.originFileSize.Store(layout.FileSize)
	mg.contentMD5 = layout.ContentMD5
	if expectedSize != -1 {
		if err := mg.target.EnsureSize(expectedSize); err != nil {
			mg.discardExistState()
			return fmt.Errorf("error sizing target file: %w", err)
		}
	}
	mg.slices = mg.slices[:0]
	for _, rec := range layout.Slices {
		s := newSlice(rec.Index, rec.Begin, rec.End, rec.Completed, rec.Failed, mg.target)
		if s.IsDataCompletedClearly() {
			s.SetStatus(StatusCompleted)
		}
		mg.slices = append(mg.slices, s)
	}
	mg.log.Debug().Int("slices", len(mg.slices)).Int64("downloaded", mg.TotalDownloaded()).Msg("Resumed slice layout from index file")
	return nil
}

func (mg *Manager) discardExistState() {
	mg.index.Remove()
	if mg.opt.SavePolicy == types.AlwaysDiscard {
		mg.target.Truncate(0)
	}
}

// MakeSlices partitions the target into contiguous byte ranges. An unknown
// remote size yields a single open-ended slice; a server without range
// support yields a single bounded slice. Otherwise the thread count is
// clamped by MaxSliceCount and reduced until the rounded-up share size/n
// reaches MinSliceSize or n is 1. Each slice gets size/n bytes (rounded
// down) and the last one absorbs the remainder.
func (mg *Manager) MakeSlices(acceptRanges bool) error {
	mg.slices = mg.slices[:0]
	size := mg.originFileSize.Load()

	switch {
	case size == -1:
		mg.slices = append(mg.slices, newSlice(0, 0, -1, 0, 0, mg.target))
	case !acceptRanges:
		if err := mg.target.EnsureSize(size); err != nil {
			return fmt.Errorf("error sizing target file: %w", err)
		}
		mg.slices = append(mg.slices, newSlice(0, 0, size-1, 0, 0, mg.target))
	default:
		n := mg.opt.ThreadNum
		if n < 1 {
			n = 1
		}
		if n > mg.opt.MaxSliceCount {
			n = mg.opt.MaxSliceCount
		}
		minSize := mg.opt.MinSliceSize
		if minSize < 1 {
			minSize = 1
		}
		for n > 1 && (size+int64(n)-1)/int64(n) < minSize {
			n--
		}
		if err := mg.target.EnsureSize(size); err != nil {
			return fmt.Errorf("error sizing target file: %w", err)
		}
		per := size / int64(n)
		var begin int64
		for i := 0; i < n; i++ {
			end := begin + per - 1
			if i == n-1 {
				end = size - 1
			}
			mg.slices = append(mg.slices, newSlice(uint32(i), begin, end, 0, 0, mg.target))
			begin = end + 1
		}
	}
	mg.log.Debug().Int("slices", len(mg.slices)).Int64("fileSize", size).Msg("Created slice layout")
	return nil
}

// GetSlice returns the first slice with the given status, scanning in index
// order so retry behavior is deterministic.
func (mg *Manager) GetSlice(st Status) *Slice {
	for _, s := range mg.slices {
		if s.Status() == st {
			return s
		}
	}
	return nil
}

// GetSliceByRequest maps a completed transport request back to its slice.
func (mg *Manager) GetSliceByRequest(req *transport.Request) *Slice {
	for _, s := range mg.slices {
		if s.Request() == req {
			return s
		}
	}
	return nil
}

// UnfetchAndUncompletedSliceNum counts slices that still need a transfer.
func (mg *Manager) UnfetchAndUncompletedSliceNum() int {
	n := 0
	for _, s := range mg.slices {
		if s.Status() == StatusUnfetch && !s.IsDataCompletedClearly() {
			n++
		}
	}
	return n
}

// TotalDownloaded sums completed bytes over all slices. Safe to call from
// the progress and speed goroutines.
func (mg *Manager) TotalDownloaded() int64 {
	var total int64
	for _, s := range mg.slices {
		total += s.Completed()
	}
	return total
}

// CheckAllSliceCompletedByFileSize reports whether every slice is bounded
// and data-complete.
func (mg *Manager) CheckAllSliceCompletedByFileSize() bool {
	if len(mg.slices) == 0 {
		return false
	}
	for _, s := range mg.slices {
		if !s.IsDataCompletedClearly() {
			return false
		}
	}
	return true
}

// FlushAllSlices spills every slice cache to the target file.
func (mg *Manager) FlushAllSlices() {
	for _, s := range mg.slices {
		if err := s.FlushCache(); err != nil {
			mg.log.Error().Err(err).Uint32("slice", s.Index()).Msg("Cache flush failed")
		}
	}
}

// FlushIndexFile atomically rewrites the sidecar from current slice state.
// Call FlushAllSlices first so the records never run ahead of the file data.
func (mg *Manager) FlushIndexFile() error {
	layout := &Layout{
		URL:        mg.opt.URL,
		FileSize:   mg.originFileSize.Load(),
		ContentMD5: mg.contentMD5,
		Slices:     make([]SliceRecord, 0, len(mg.slices)),
	}
	if mg.opt.ExpectedHash != "" {
		layout.HashType = mg.opt.HashType.String()
		layout.HashValue = mg.opt.ExpectedHash
	}
	for _, s := range mg.slices {
		layout.Slices = append(layout.Slices, s.record())
	}
	if err := mg.index.Store(layout); err != nil {
		return fmt.Errorf("error writing index file: %w", err)
	}
	return nil
}

// FinishDownloadProgress tears down every slice, settles the final file size
// when it was unknown, verifies the digest, and applies the save policy. It
// is idempotent on an already-complete layout apart from index deletion.
func (mg *Manager) FinishDownloadProgress(wasDownloading bool, multi *transport.Multi) types.Result {
	for _, s := range mg.slices {
		if err := s.Stop(multi); err != nil {
			mg.log.Error().Err(err).Uint32("slice", s.Index()).Msg("Slice teardown flush failed")
		}
	}
	mg.target.Sync()

	if mg.originFileSize.Load() == -1 {
		total := mg.TotalDownloaded()
		if err := mg.target.Truncate(total); err != nil {
			mg.log.Error().Err(err).Int64("size", total).Msg("Final truncate failed")
		}
		mg.originFileSize.Store(total)
		// The single open-ended slice is now bounded by what was received.
		if len(mg.slices) == 1 && mg.slices[0].Status() == StatusCompleted && total > 0 {
			mg.slices[0].end = total - 1
		}
	}

	if mg.CheckAllSliceCompletedByFileSize() {
		if ret := mg.verifyHash(); ret != types.Successed {
			mg.index.Remove()
			mg.target.Remove()
			return ret
		}
		mg.index.Remove()
		mg.target.Close()
		if mg.opt.TmpFileExtension != "" {
			if err := os.Rename(mg.opt.TargetFilePath+mg.opt.TmpFileExtension, mg.opt.TargetFilePath); err != nil {
				mg.log.Error().Err(err).Msg("Rename to final path failed")
				return types.UnknownError
			}
		}
		return types.Successed
	}

	// Not complete: apply the save policy.
	if mg.opt.SavePolicy == types.AlwaysDiscard {
		mg.index.Remove()
		mg.target.Remove()
	} else {
		flushErr := mg.FlushIndexFile()
		mg.target.Close()
		if flushErr != nil {
			mg.log.Error().Err(flushErr).Msg("Persisting index file failed")
			if !mg.opt.StopRequested() {
				return types.WriteIndexFileFailed
			}
		}
	}
	if mg.opt.StopRequested() {
		return types.Canceled
	}
	return types.UnknownError
}

// Cleanup releases the target file handle if still open.
func (mg *Manager) Cleanup() {
	if mg.target != nil {
		mg.target.Close()
	}
}

func (mg *Manager) verifyHash() types.Result {
	expected := mg.opt.ExpectedHash
	switch mg.opt.HashVerifyPolicy {
	case types.NeverVerify:
		return types.Successed
	default:
		if expected == "" && mg.opt.HashVerifyPolicy == types.OnlyIfAvailable && mg.opt.HashType == types.MD5 {
			expected = normalizeContentMD5(mg.contentMD5)
		}
		if expected == "" {
			// AlwaysVerify with nothing to compare against degrades to a
			// no-op rather than failing a finished transfer.
			return types.Successed
		}
	}
	got, err := ComputeFileHash(mg.target.Path(), mg.opt.HashType)
	if err != nil {
		mg.log.Error().Err(err).Msg("Hash computation failed")
		return types.UnknownError
	}
	if !strings.EqualFold(got, expected) {
		mg.log.Error().Str("want", expected).Str("got", got).Msg("Hash verify failed")
		return types.HashVerifyFailed
	}
	return types.Successed
}

// normalizeContentMD5 accepts either the RFC base64 form of a Content-MD5
// header or an already-hex digest and returns lowercase hex.
func normalizeContentMD5(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if len(v) == 32 {
		if _, err := hex.DecodeString(v); err == nil {
			return strings.ToLower(v)
		}
	}
	if raw, err := base64.StdEncoding.DecodeString(v); err == nil && len(raw) == 16 {
		return hex.EncodeToString(raw)
	}
	return strings.ToLower(v)
}
