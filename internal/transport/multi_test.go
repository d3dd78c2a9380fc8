package transport

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *collector) write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *collector) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func testContent(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func contentServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "data.bin", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestMultiRangeTransfer(t *testing.T) {
	content := testContent(4096)
	server := contentServer(t, content)

	multi, err := NewMulti(newTestClient())
	require.NoError(t, err)
	defer multi.Cleanup()

	sink := &collector{}
	req := &Request{URL: server.URL, Begin: 100, End: 199, Write: sink.write}
	multi.Add(req)

	msg := multi.Poll(5 * time.Second)
	require.NotNil(t, msg)
	assert.Same(t, req, msg.Req)
	assert.NoError(t, msg.Err)
	assert.Equal(t, http.StatusPartialContent, msg.StatusCode)
	assert.Equal(t, content[100:200], sink.bytes())
	assert.Equal(t, 0, multi.StillRunning())
}

func TestMultiOpenEndedSendsNoRangeHeader(t *testing.T) {
	content := testContent(1024)
	var gotRange string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Write(content)
	}))
	defer server.Close()

	multi, err := NewMulti(newTestClient())
	require.NoError(t, err)
	defer multi.Cleanup()

	sink := &collector{}
	multi.Add(&Request{URL: server.URL, Begin: 0, End: -1, Write: sink.write})

	msg := multi.Poll(5 * time.Second)
	require.NotNil(t, msg)
	assert.NoError(t, msg.Err)
	assert.Empty(t, gotRange)
	assert.Equal(t, content, sink.bytes())
}

func TestMultiResumedOpenRange(t *testing.T) {
	var gotRange string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("tail"))
	}))
	defer server.Close()

	multi, err := NewMulti(newTestClient())
	require.NoError(t, err)
	defer multi.Cleanup()

	sink := &collector{}
	multi.Add(&Request{URL: server.URL, Begin: 500, End: -1, Write: sink.write})

	msg := multi.Poll(5 * time.Second)
	require.NotNil(t, msg)
	assert.NoError(t, msg.Err)
	assert.Equal(t, "bytes=500-", gotRange)
}

func TestMultiErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	multi, err := NewMulti(newTestClient())
	require.NoError(t, err)
	defer multi.Cleanup()

	sink := &collector{}
	multi.Add(&Request{URL: server.URL, Begin: 0, End: 99, Write: sink.write})

	msg := multi.Poll(5 * time.Second)
	require.NotNil(t, msg)
	assert.Error(t, msg.Err)
	assert.Equal(t, http.StatusInternalServerError, msg.StatusCode)
}

func TestMultiRemoveCancelsTransfer(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("start"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	multi, err := NewMulti(newTestClient())
	require.NoError(t, err)

	sink := &collector{}
	req := &Request{URL: server.URL, Begin: 0, End: -1, Write: sink.write}
	multi.Add(req)
	time.Sleep(100 * time.Millisecond)

	multi.Remove(req)
	assert.Equal(t, 0, multi.StillRunning())
	// A canceled transfer posts no completion message.
	assert.Nil(t, multi.Poll(100*time.Millisecond))
}

func TestMultiInfoReadNonBlocking(t *testing.T) {
	multi, err := NewMulti(newTestClient())
	require.NoError(t, err)
	assert.Nil(t, multi.InfoRead())
}

func TestNewMultiRequiresClient(t *testing.T) {
	_, err := NewMulti(nil)
	assert.Error(t, err)
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(-1))
	assert.Nil(t, NewLimiter(0))

	limiter := NewLimiter(1024)
	require.NotNil(t, limiter)
	// Burst is raised to the stream buffer size so reads always fit.
	assert.GreaterOrEqual(t, limiter.Burst(), streamBufSize)
}

func TestMultiWriteErrorSurfacesInMessage(t *testing.T) {
	content := testContent(1024)
	server := contentServer(t, content)

	multi, err := NewMulti(newTestClient())
	require.NoError(t, err)
	defer multi.Cleanup()

	failing := func(p []byte) (int, error) {
		return 0, assert.AnError
	}
	multi.Add(&Request{URL: server.URL, Begin: 0, End: 1023, Write: failing})

	msg := multi.Poll(5 * time.Second)
	require.NotNil(t, msg)
	assert.ErrorContains(t, msg.Err, assert.AnError.Error())
}

func TestMultiConcurrentTransfers(t *testing.T) {
	content := testContent(10000)
	server := contentServer(t, content)

	multi, err := NewMulti(newTestClient())
	require.NoError(t, err)
	defer multi.Cleanup()

	sinks := make([]*collector, 4)
	for i := range sinks {
		sinks[i] = &collector{}
		begin := int64(i * 2500)
		multi.Add(&Request{URL: server.URL, Begin: begin, End: begin + 2499, Write: sinks[i].write})
	}

	for range sinks {
		msg := multi.Poll(5 * time.Second)
		require.NotNil(t, msg)
		assert.NoError(t, msg.Err)
	}
	var joined []byte
	for _, sink := range sinks {
		joined = append(joined, sink.bytes()...)
	}
	assert.Equal(t, content, joined)
}
