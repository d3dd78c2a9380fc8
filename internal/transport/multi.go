package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const streamBufSize = 32 * 1024

// Request is one byte-range transfer registered with a Multi. Bytes are
// delivered to Write on the transfer goroutine; a nil-error Message on the
// Multi means the server closed the transfer cleanly.
type Request struct {
	URL   string
	Begin int64
	End   int64 // inclusive, -1 for open-ended
	Write func(p []byte) (int, error)

	// Limiter caps this transfer's bandwidth; nil means unlimited.
	Limiter *rate.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

// Message reports the completion of one Request.
type Message struct {
	Req        *Request
	StatusCode int
	Err        error
}

// Multi supervises the concurrent transfers of one download. Each Add spawns
// a goroutine streaming the response into the request's write callback;
// completions are read back with Poll or InfoRead on the driver goroutine.
type Multi struct {
	client  *Client
	msgs    chan *Message
	running atomic.Int32
	paused  atomic.Bool

	mu     sync.Mutex
	active map[*Request]struct{}
}

func NewMulti(client *Client) (*Multi, error) {
	if client == nil {
		return nil, errors.New("transport client is nil")
	}
	return &Multi{
		client: client,
		msgs:   make(chan *Message, 128),
		active: make(map[*Request]struct{}),
	}, nil
}

// Add registers the request and starts its transfer.
func (m *Multi) Add(req *Request) {
	ctx, cancel := context.WithCancel(context.Background())
	req.cancel = cancel
	req.done = make(chan struct{})

	m.mu.Lock()
	m.active[req] = struct{}{}
	m.mu.Unlock()

	m.running.Add(1)
	go m.transfer(ctx, req)
}

// Remove cancels the request if still in flight and waits for its transfer
// goroutine to exit, guaranteeing no further Write calls afterwards.
func (m *Multi) Remove(req *Request) {
	if req == nil || req.cancel == nil {
		return
	}
	req.cancel()
	<-req.done

	m.mu.Lock()
	delete(m.active, req)
	m.mu.Unlock()
}

// SetPaused stalls or releases every transfer. While paused the stream
// loops stop pulling from their response bodies, so no write callbacks run
// and no progress accrues; the connections stay open.
func (m *Multi) SetPaused(paused bool) {
	m.paused.Store(paused)
}

// StillRunning returns the number of transfers currently in flight.
func (m *Multi) StillRunning() int {
	return int(m.running.Load())
}

// Poll waits up to timeout for the next completion message. A nil return
// means the timeout elapsed with nothing to report.
func (m *Multi) Poll(timeout time.Duration) *Message {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-m.msgs:
		return msg
	case <-timer.C:
		return nil
	}
}

// Messages exposes the completion stream so a driver can select over it
// together with its stop events.
func (m *Multi) Messages() <-chan *Message {
	return m.msgs
}

// InfoRead drains one completion message without blocking.
func (m *Multi) InfoRead() *Message {
	select {
	case msg := <-m.msgs:
		return msg
	default:
		return nil
	}
}

// Cleanup cancels every outstanding transfer.
func (m *Multi) Cleanup() {
	m.mu.Lock()
	reqs := make([]*Request, 0, len(m.active))
	for req := range m.active {
		reqs = append(reqs, req)
	}
	m.mu.Unlock()
	for _, req := range reqs {
		m.Remove(req)
	}
}

func (m *Multi) transfer(ctx context.Context, req *Request) {
	defer close(req.done)
	defer m.running.Add(-1)

	status, err := m.stream(ctx, req)
	if errors.Is(err, context.Canceled) {
		// Removed by the driver; it is not waiting for a message.
		return
	}
	// Never block forever on a full queue: Remove cancels the context and
	// must not deadlock waiting for this goroutine.
	select {
	case m.msgs <- &Message{Req: req, StatusCode: status, Err: err}:
	case <-ctx.Done():
	}
}

func (m *Multi) stream(ctx context.Context, req *Request) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, err
	}
	if req.Begin > 0 || req.End != -1 {
		if req.End == -1 {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.Begin))
		} else {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.Begin, req.End))
		}
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return resp.StatusCode, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}

	buf := make([]byte, streamBufSize)
	for {
		for m.paused.Load() {
			select {
			case <-ctx.Done():
				return resp.StatusCode, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if req.Limiter != nil {
				if err := req.Limiter.WaitN(ctx, n); err != nil {
					return resp.StatusCode, err
				}
			}
			if _, err := req.Write(buf[:n]); err != nil {
				return resp.StatusCode, err
			}
		}
		if readErr == io.EOF {
			return resp.StatusCode, nil
		}
		if readErr != nil {
			return resp.StatusCode, readErr
		}
	}
}

// NewLimiter builds a rate limiter for the given bytes-per-second cap, or
// nil when the cap is -1 (unlimited). The burst never drops below the stream
// buffer size so WaitN can always admit a full read.
func NewLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst < streamBufSize {
		burst = streamBufSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}
