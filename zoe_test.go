package zoe

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WilliamQf-AI/zoe/internal/download"
)

func testPattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i*7 + i/253) % 251)
	}
	return data
}

// rangeHandler serves content with manual byte-range support, optionally
// throttled into chunked writes so tests can stop or pause mid-transfer.
func rangeHandler(content []byte, chunk int, delay time.Duration, md5Hex string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		if md5Hex != "" {
			w.Header().Set("Content-MD5", md5Hex)
		}
		begin, end := int64(0), int64(len(content)-1)
		status := http.StatusOK
		if rng := r.Header.Get("Range"); rng != "" {
			spec := strings.TrimPrefix(rng, "bytes=")
			parts := strings.SplitN(spec, "-", 2)
			begin, _ = strconv.ParseInt(parts[0], 10, 64)
			if len(parts) == 2 && parts[1] != "" {
				end, _ = strconv.ParseInt(parts[1], 10, 64)
			}
			status = http.StatusPartialContent
		}
		if begin < 0 || begin > end || begin >= int64(len(content)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		body := content[begin : end+1]
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(status)
		if r.Method == http.MethodHead {
			return
		}
		step := chunk
		if step <= 0 {
			step = len(body)
		}
		for off := 0; off < len(body); off += step {
			upper := min(off+step, len(body))
			if _, err := w.Write(body[off:upper]); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			if delay > 0 {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(delay):
				}
			}
		}
	}
}

func targetIn(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

func assertNoIndexFile(t *testing.T, target string) {
	t.Helper()
	_, err := os.Stat(target + download.IndexFileExtension)
	assert.True(t, os.IsNotExist(err), "index file should be gone")
}

func TestDownloadSmallFileSingleThread(t *testing.T) {
	content := testPattern(1024)
	sum := md5.Sum(content)
	digest := hex.EncodeToString(sum[:])
	server := httptest.NewServer(rangeHandler(content, 0, 0, digest))
	defer server.Close()

	target := targetIn(t, "small.bin")
	z := New()
	z.SetThreadNum(1)
	z.SetHashVerifyPolicy(AlwaysVerify, MD5, digest)

	var cbResult atomic.Int32
	cbResult.Store(-1)
	result := <-z.Start(server.URL, target, func(r Result) { cbResult.Store(int32(r)) }, nil, nil, nil)

	assert.Equal(t, Successed, result)
	assert.Equal(t, int32(Successed), cbResult.Load())
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assertNoIndexFile(t, target)
	assert.Equal(t, Stopped, z.State())
}

func TestDownloadMultiSlice(t *testing.T) {
	content := testPattern(1 << 20)
	sum := md5.Sum(content)
	server := httptest.NewServer(rangeHandler(content, 0, 0, ""))
	defer server.Close()

	target := targetIn(t, "multi.bin")
	z := New()
	z.SetThreadNum(4)
	z.SetMinSliceSize(1024)
	z.SetHashVerifyPolicy(AlwaysVerify, MD5, hex.EncodeToString(sum[:]))

	var lastTotal, lastDownloaded atomic.Int64
	result := <-z.Start(server.URL, target, nil,
		func(total, downloaded int64) {
			lastTotal.Store(total)
			lastDownloaded.Store(downloaded)
		}, nil, nil)

	assert.Equal(t, Successed, result)
	assert.Equal(t, int64(len(content)), lastTotal.Load())
	assert.Equal(t, int64(len(content)), lastDownloaded.Load())

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assertNoIndexFile(t, target)
}

func TestDownloadNoRangeSupport(t *testing.T) {
	content := testPattern(4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ranges are advertised as unsupported and ignored outright.
		w.Header().Set("Accept-Ranges", "none")
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			w.Write(content)
		}
	}))
	defer server.Close()

	target := targetIn(t, "norange.bin")
	z := New()
	z.SetThreadNum(8)

	result := <-z.Start(server.URL, target, nil, nil, nil, nil)
	assert.Equal(t, Successed, result)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadUnknownSize(t *testing.T) {
	content := testPattern(200 * 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flush forces chunked encoding, so no Content-Length is sent.
		first := min(1024, len(content))
		if _, err := w.Write(content[:first]); err != nil {
			return
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		w.Write(content[first:])
	}))
	defer server.Close()

	target := targetIn(t, "stream.bin")
	z := New()
	z.SetThreadNum(4)
	z.SetUseHeadMethodFetchFileInfo(false)

	var lastTotal atomic.Int64
	result := <-z.Start(server.URL, target, nil,
		func(total, downloaded int64) { lastTotal.Store(total) }, nil, nil)

	assert.Equal(t, Successed, result)
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assertNoIndexFile(t, target)
}

func TestDownloadZeroSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	target := targetIn(t, "empty.bin")
	z := New()

	result := <-z.Start(server.URL, target, nil, nil, nil, nil)
	assert.Equal(t, Successed, result)

	st, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Size())
	assertNoIndexFile(t, target)
}

func TestDownloadHashMismatch(t *testing.T) {
	content := testPattern(2048)
	server := httptest.NewServer(rangeHandler(content, 0, 0, ""))
	defer server.Close()

	target := targetIn(t, "bad-hash.bin")
	z := New()
	z.SetThreadNum(2)
	z.SetMinSliceSize(256)
	z.SetHashVerifyPolicy(AlwaysVerify, MD5, "00000000000000000000000000000000")

	result := <-z.Start(server.URL, target, nil, nil, nil, nil)
	assert.Equal(t, HashVerifyFailed, result)

	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err), "target should be deleted on hash mismatch")
	assertNoIndexFile(t, target)
}

func TestDownloadProbeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	z := New()
	z.SetFetchFileInfoRetry(1)
	result := <-z.Start(server.URL, targetIn(t, "missing.bin"), nil, nil, nil, nil)
	assert.Equal(t, FetchFileInfoFailed, result)
}

func TestStopSavesStateAndResumes(t *testing.T) {
	content := testPattern(512 * 1024)
	sum := md5.Sum(content)
	digest := hex.EncodeToString(sum[:])
	server := httptest.NewServer(rangeHandler(content, 4096, 6*time.Millisecond, ""))
	defer server.Close()

	target := targetIn(t, "resume.bin")
	z := New()
	z.SetThreadNum(2)
	z.SetMinSliceSize(1024)
	z.SetUncompletedSliceSavePolicy(SaveExceptFailed)
	z.SetHashVerifyPolicy(AlwaysVerify, MD5, digest)

	resultCh := z.Start(server.URL, target, nil, nil, nil, nil)
	time.Sleep(300 * time.Millisecond)
	z.Stop()
	result := <-resultCh
	require.Equal(t, Canceled, result)

	// The index survived and records partial progress.
	layout, err := download.NewIndexFile(target).Load()
	require.NoError(t, err)
	var saved int64
	for _, rec := range layout.Slices {
		saved += rec.Completed
	}
	assert.Greater(t, saved, int64(0))
	assert.Less(t, saved, int64(len(content)))

	// Second run resumes and finishes the file.
	result = <-z.Start(server.URL, target, nil, nil, nil, nil)
	require.Equal(t, Successed, result)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assertNoIndexFile(t, target)
}

func TestStopWithAlwaysDiscardRemovesTarget(t *testing.T) {
	content := testPattern(512 * 1024)
	server := httptest.NewServer(rangeHandler(content, 4096, 6*time.Millisecond, ""))
	defer server.Close()

	target := targetIn(t, "discard.bin")
	z := New()
	z.SetThreadNum(2)
	z.SetMinSliceSize(1024)
	z.SetUncompletedSliceSavePolicy(AlwaysDiscard)

	resultCh := z.Start(server.URL, target, nil, nil, nil, nil)
	time.Sleep(200 * time.Millisecond)
	z.Stop()
	require.Equal(t, Canceled, <-resultCh)

	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err))
	assertNoIndexFile(t, target)
}

func TestPauseFreezesProgressThenResumeFinishes(t *testing.T) {
	content := testPattern(256 * 1024)
	server := httptest.NewServer(rangeHandler(content, 4096, 8*time.Millisecond, ""))
	defer server.Close()

	target := targetIn(t, "paused.bin")
	z := New()
	z.SetThreadNum(2)
	z.SetMinSliceSize(1024)

	var downloaded atomic.Int64
	resultCh := z.Start(server.URL, target, nil,
		func(total, d int64) { downloaded.Store(d) }, nil, nil)

	time.Sleep(150 * time.Millisecond)
	z.Pause()
	assert.Equal(t, Paused, z.State())

	// The progress callback fires every 500 ms: let in-flight chunks settle
	// and one tick land after the pause, then verify the counters stay frozen
	// across the next tick.
	time.Sleep(600 * time.Millisecond)
	frozen := downloaded.Load()
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, frozen, downloaded.Load())

	select {
	case r := <-resultCh:
		t.Fatalf("unexpected completion during pause: %s", GetResultString(r))
	default:
	}

	z.Resume()
	assert.Equal(t, Downloading, z.State())

	require.Equal(t, Successed, <-resultCh)
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	content := testPattern(256 * 1024)
	server := httptest.NewServer(rangeHandler(content, 4096, 5*time.Millisecond, ""))
	defer server.Close()

	target := targetIn(t, "busy.bin")
	z := New()
	z.SetThreadNum(2)
	z.SetMinSliceSize(1024)

	first := z.Start(server.URL, target, nil, nil, nil, nil)
	time.Sleep(100 * time.Millisecond)
	second := <-z.Start(server.URL, target, nil, nil, nil, nil)
	assert.Equal(t, UnknownError, second)

	require.Equal(t, Successed, <-first)
}

func TestUserStopEventSharedAcrossDownloads(t *testing.T) {
	content := testPattern(512 * 1024)
	server := httptest.NewServer(rangeHandler(content, 4096, 5*time.Millisecond, ""))
	defer server.Close()

	stopEvent := NewStopEvent()
	results := make([]<-chan Result, 2)
	for i := range results {
		z := New()
		z.SetThreadNum(2)
		z.SetMinSliceSize(1024)
		z.SetUserStopEvent(stopEvent)
		results[i] = z.Start(server.URL, targetIn(t, fmt.Sprintf("shared-%d.bin", i)), nil, nil, nil, nil)
	}

	time.Sleep(150 * time.Millisecond)
	stopEvent.Set()

	for _, ch := range results {
		assert.Equal(t, Canceled, <-ch)
	}
}

func TestSpeedCallbackReportsTransfer(t *testing.T) {
	// One slow slice keeps the transfer alive past the first 1 s sample.
	content := testPattern(256 * 1024)
	server := httptest.NewServer(rangeHandler(content, 2048, 10*time.Millisecond, ""))
	defer server.Close()

	z := New()
	z.SetThreadNum(1)

	var sawSpeed atomic.Bool
	result := <-z.Start(server.URL, targetIn(t, "speed.bin"), nil, nil,
		func(bytesPerSec int64) {
			if bytesPerSec > 0 {
				sawSpeed.Store(true)
			}
		}, nil)

	require.Equal(t, Successed, result)
	assert.True(t, sawSpeed.Load(), "speed callback should observe transfer")
}

func TestTmpFileExtension(t *testing.T) {
	content := testPattern(8192)
	server := httptest.NewServer(rangeHandler(content, 0, 0, ""))
	defer server.Close()

	target := targetIn(t, "renamed.bin")
	z := New()
	z.SetThreadNum(2)
	z.SetMinSliceSize(1024)
	z.SetTmpFileExtension(".zoe-tmp")

	result := <-z.Start(server.URL, target, nil, nil, nil, nil)
	require.Equal(t, Successed, result)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	_, err = os.Stat(target + ".zoe-tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestVerboseCallbackReceivesDiagnostics(t *testing.T) {
	content := testPattern(1024)
	server := httptest.NewServer(rangeHandler(content, 0, 0, ""))
	defer server.Close()

	z := New()
	z.SetThreadNum(1)

	var sawURL atomic.Bool
	result := <-z.Start(server.URL, targetIn(t, "verbose.bin"), nil, nil, nil,
		func(msg string) {
			if strings.Contains(msg, server.URL) {
				sawURL.Store(true)
			}
		})
	require.Equal(t, Successed, result)
	assert.True(t, sawURL.Load())
}

func TestTwoRunsProduceIdenticalFiles(t *testing.T) {
	content := testPattern(128 * 1024)
	server := httptest.NewServer(rangeHandler(content, 0, 0, ""))
	defer server.Close()

	paths := []string{targetIn(t, "one.bin"), targetIn(t, "two.bin")}
	for _, path := range paths {
		z := New()
		z.SetThreadNum(3)
		z.SetMinSliceSize(1024)
		require.Equal(t, Successed, <-z.Start(server.URL, path, nil, nil, nil, nil))
	}

	first, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	second, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSpeedCapPlumbsLimiter(t *testing.T) {
	content := testPattern(64 * 1024)
	server := httptest.NewServer(rangeHandler(content, 0, 0, ""))
	defer server.Close()

	z := New()
	z.SetThreadNum(1)
	z.SetMaxSpeed(10 * 1024 * 1024) // generous: only checks the path works

	result := <-z.Start(server.URL, targetIn(t, "capped.bin"), nil, nil, nil, nil)
	assert.Equal(t, Successed, result)
}
