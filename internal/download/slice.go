package download

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/WilliamQf-AI/zoe/internal/transport"
)

// Status is the lifecycle state of one slice. Transitions happen on the
// driver goroutine only; the write callback touches nothing but the cache
// and the completed counter.
type Status int32

const (
	StatusUnfetch Status = iota
	StatusFetched
	StatusDownloading
	StatusCompleted
	StatusFailed
	// StatusCompletedNotSure means the transport closed cleanly but the
	// slice is open-ended, so completion needs reconciliation.
	StatusCompletedNotSure
)

func (s Status) String() string {
	switch s {
	case StatusFetched:
		return "FETCHED"
	case StatusDownloading:
		return "DOWNLOADING"
	case StatusCompleted:
		return "DOWNLOAD_COMPLETED"
	case StatusFailed:
		return "DOWNLOAD_FAILED"
	case StatusCompletedNotSure:
		return "COMPLETED_NOT_SURE"
	default:
		return "UNFETCH"
	}
}

const minCacheSize = 16 * 1024

// Slice downloads one byte range [begin, end] of the target. Received bytes
// accumulate in an in-memory cache and are flushed to the target region when
// the cache fills, on Stop, and on the periodic flush.
type Slice struct {
	index uint32
	begin int64
	end   int64 // inclusive, -1 when the remote size is unknown

	completed atomic.Int64 // bytes received for this slice, monotonic
	failed    atomic.Uint32
	status    atomic.Int32

	mu       sync.Mutex // guards cache and flushed
	cache    []byte
	capacity int64
	flushed  int64 // bytes already written to the target

	target *Target
	req    *transport.Request
}

func newSlice(index uint32, begin, end, completed int64, failed uint32, target *Target) *Slice {
	s := &Slice{
		index:  index,
		begin:  begin,
		end:    end,
		target: target,
	}
	// Resumed bytes are already on disk.
	s.completed.Store(completed)
	s.flushed = completed
	s.failed.Store(failed)
	return s
}

func (s *Slice) Index() uint32 { return s.index }
func (s *Slice) Begin() int64  { return s.begin }
func (s *Slice) End() int64    { return s.end }

func (s *Slice) Completed() int64 {
	return s.completed.Load()
}

func (s *Slice) Status() Status {
	return Status(s.status.Load())
}

func (s *Slice) SetStatus(st Status) {
	s.status.Store(int32(st))
}

func (s *Slice) FailedTimes() uint32 {
	return s.failed.Load()
}

func (s *Slice) IncreaseFailedTimes() {
	s.failed.Add(1)
}

// IsDataCompletedClearly reports whether every byte of a bounded slice has
// been received.
func (s *Slice) IsDataCompletedClearly() bool {
	return s.end != -1 && s.completed.Load() == s.end-s.begin+1
}

// Start registers a range request with the multiplexer, resuming from the
// bytes already completed. Transitions the slice to DOWNLOADING.
func (s *Slice) Start(multi *transport.Multi, url string, diskCacheSize, maxSpeed int64) error {
	if s.IsDataCompletedClearly() {
		return fmt.Errorf("slice %d already completed", s.index)
	}
	if url == "" {
		return fmt.Errorf("slice %d has no url", s.index)
	}
	s.mu.Lock()
	s.capacity = diskCacheSize
	if s.capacity < minCacheSize {
		s.capacity = minCacheSize
	}
	if s.cache == nil {
		s.cache = make([]byte, 0, s.capacity)
	}
	s.mu.Unlock()

	s.req = &transport.Request{
		URL:     url,
		Begin:   s.begin + s.completed.Load(),
		End:     s.end,
		Write:   s.write,
		Limiter: transport.NewLimiter(maxSpeed),
	}
	s.SetStatus(StatusDownloading)
	multi.Add(s.req)
	return nil
}

// Stop detaches the slice from the multiplexer and flushes its cache. After
// Stop returns no further write callbacks run.
func (s *Slice) Stop(multi *transport.Multi) error {
	if s.req != nil && multi != nil {
		multi.Remove(s.req)
		s.req = nil
	}
	return s.FlushCache()
}

// Request returns the in-flight transport request, or nil.
func (s *Slice) Request() *transport.Request {
	return s.req
}

// write is the transport callback. It appends into the cache, spilling to
// the target at the correct offset when the cache fills. Bytes past a bounded
// slice's end are silently discarded.
func (s *Slice) write(p []byte) (int, error) {
	n := len(p)
	if s.end != -1 {
		remaining := s.end - s.begin + 1 - s.completed.Load()
		if remaining <= 0 {
			return n, nil
		}
		if int64(len(p)) > remaining {
			p = p[:remaining]
		}
	}

	s.mu.Lock()
	s.cache = append(s.cache, p...)
	if int64(len(s.cache)) >= s.capacity {
		if err := s.flushLocked(); err != nil {
			s.mu.Unlock()
			return 0, err
		}
	}
	s.mu.Unlock()

	s.completed.Add(int64(len(p)))
	return n, nil
}

// FlushCache writes any cached bytes to the target region.
func (s *Slice) FlushCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Slice) flushLocked() error {
	if len(s.cache) == 0 {
		return nil
	}
	if _, err := s.target.WriteAt(s.cache, s.begin+s.flushed); err != nil {
		return fmt.Errorf("error flushing slice %d cache: %w", s.index, err)
	}
	s.flushed += int64(len(s.cache))
	s.cache = s.cache[:0]
	return nil
}

// FlushedBytes returns the count of bytes durably handed to the file layer.
func (s *Slice) FlushedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

func (s *Slice) record() SliceRecord {
	return SliceRecord{
		Index:     s.index,
		Begin:     s.begin,
		End:       s.end,
		Completed: s.FlushedBytes(),
		Failed:    s.failed.Load(),
	}
}
