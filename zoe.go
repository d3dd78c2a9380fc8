// Package zoe is a resumable, multi-slice HTTP file downloader. A download
// splits the remote resource into byte-range slices fetched concurrently,
// persists per-slice progress in a sidecar index file so interrupted runs
// resume, and verifies the finished file against a digest.
package zoe

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/WilliamQf-AI/zoe/internal/event"
	"github.com/WilliamQf-AI/zoe/internal/types"
	"github.com/WilliamQf-AI/zoe/internal/utils"
)

// Result is the terminal status of a download.
type Result = types.Result

const (
	Successed              = types.Successed
	Canceled               = types.Canceled
	FetchFileInfoFailed    = types.FetchFileInfoFailed
	CreateTargetFileFailed = types.CreateTargetFileFailed
	InitMultiFailed        = types.InitMultiFailed
	HashVerifyFailed       = types.HashVerifyFailed
	OpenIndexFileFailed    = types.OpenIndexFileFailed
	WriteIndexFileFailed   = types.WriteIndexFileFailed
	OpenTargetFileFailed   = types.OpenTargetFileFailed
	UnknownError           = types.UnknownError
)

// GetResultString returns the canonical name of a result code.
func GetResultString(r Result) string { return r.String() }

// DownloadState is the externally observable lifecycle state.
type DownloadState = types.DownloadState

const (
	Stopped     = types.Stopped
	Downloading = types.Downloading
	Paused      = types.Paused
)

type HashType = types.HashType

const (
	MD5    = types.MD5
	CRC32  = types.CRC32
	SHA1   = types.SHA1
	SHA256 = types.SHA256
)

type HashVerifyPolicy = types.HashVerifyPolicy

const (
	NeverVerify     = types.NeverVerify
	AlwaysVerify    = types.AlwaysVerify
	OnlyIfAvailable = types.OnlyIfAvailable
)

type UncompletedSliceSavePolicy = types.UncompletedSliceSavePolicy

const (
	AlwaysDiscard    = types.AlwaysDiscard
	SaveExceptFailed = types.SaveExceptFailed
)

type (
	ResultFunctor   = types.ResultFunctor
	ProgressFunctor = types.ProgressFunctor
	SpeedFunctor    = types.SpeedFunctor
	VerboseFunctor  = types.VerboseFunctor
)

// StopEvent is a manual-reset cancellation signal. One event may be shared
// by several concurrent downloads to stop them together.
type StopEvent = event.Event

func NewStopEvent() *StopEvent { return event.New() }

var globalRefCount atomic.Int32

// GlobalInit brackets process-wide setup. Calls are reference counted so
// multiple concurrent downloads share one initialization.
func GlobalInit() {
	if globalRefCount.Add(1) == 1 {
		utils.InitLogger(false)
	}
}

// GlobalUnInit releases the process-wide state once the last user is done.
func GlobalUnInit() {
	if globalRefCount.Add(-1) < 0 {
		globalRefCount.Store(0)
	}
}

// Zoe is one download instance. Configure it with the setters, then call
// Start; Pause, Resume and Stop control the running transfer. A Zoe value
// must not be shared between concurrent Start calls.
type Zoe struct {
	mu      sync.Mutex
	opt     *types.Options
	handler *entryHandler
}

func New() *Zoe {
	return &Zoe{opt: types.NewOptions()}
}

// SetThreadNum sets the number of concurrent range requests. Values below 1
// restore the default.
func (z *Zoe) SetThreadNum(n int) {
	if n < 1 {
		n = types.DefaultThreadNum
	}
	z.opt.ThreadNum = n
}

// SetDiskCacheSize sets the total in-memory cache budget shared by the
// active slices.
func (z *Zoe) SetDiskCacheSize(bytes int64) {
	if bytes < 0 {
		bytes = types.DefaultDiskCacheSize
	}
	z.opt.DiskCacheSize = bytes
}

// SetMaxSpeed caps the aggregate download speed in bytes per second;
// -1 means unlimited.
func (z *Zoe) SetMaxSpeed(bytesPerSec int64) {
	if bytesPerSec == 0 || bytesPerSec < -1 {
		bytesPerSec = -1
	}
	z.opt.MaxSpeed = bytesPerSec
}

func (z *Zoe) SetHTTPHeaders(headers map[string]string) {
	z.opt.HTTPHeaders = make(map[string]string, len(headers))
	for k, v := range headers {
		z.opt.HTTPHeaders[k] = v
	}
}

func (z *Zoe) SetProxy(proxy string)           { z.opt.Proxy = proxy }
func (z *Zoe) SetCookieList(cookies string)    { z.opt.CookieList = cookies }
func (z *Zoe) SetCAPath(path string)           { z.opt.CAPath = path }
func (z *Zoe) SetVerifyPeerHost(v bool)        { z.opt.VerifyPeerHost = v }
func (z *Zoe) SetVerifyPeerCertificate(v bool) { z.opt.VerifyPeerCertificate = v }

func (z *Zoe) SetNetworkConnTimeout(d time.Duration) {
	if d > 0 {
		z.opt.NetworkConnTimeout = d
	}
}

func (z *Zoe) SetFetchFileInfoRetry(n int) {
	if n >= 0 {
		z.opt.FetchFileInfoRetry = n
	}
}

func (z *Zoe) SetSliceMaxFailedTimes(n int) {
	if n >= 0 {
		z.opt.SliceMaxFailedTimes = n
	}
}

func (z *Zoe) SetMinSliceSize(bytes int64) {
	if bytes > 0 {
		z.opt.MinSliceSize = bytes
	}
}

func (z *Zoe) SetMaxSliceCount(n int) {
	if n > 0 {
		z.opt.MaxSliceCount = n
	}
}

// SetHashVerifyPolicy configures digest verification of the finished file.
// Under OnlyIfAvailable with hash type MD5, an empty expectedHash falls back
// to the server's Content-MD5 when present.
func (z *Zoe) SetHashVerifyPolicy(policy HashVerifyPolicy, hashType HashType, expectedHash string) {
	z.opt.HashVerifyPolicy = policy
	z.opt.HashType = hashType
	z.opt.ExpectedHash = expectedHash
}

func (z *Zoe) SetUncompletedSliceSavePolicy(policy UncompletedSliceSavePolicy) {
	z.opt.SavePolicy = policy
}

// SetTmpFileExtension makes the download write to target+ext and rename to
// the final path on success.
func (z *Zoe) SetTmpFileExtension(ext string) {
	z.opt.TmpFileExtension = ext
}

// SetUserStopEvent installs a stop event that may be shared across several
// downloads.
func (z *Zoe) SetUserStopEvent(ev *StopEvent) {
	z.opt.UserStopEvent = ev
}

func (z *Zoe) SetUseHeadMethodFetchFileInfo(useHead bool) {
	z.opt.UseHeadMethod = useHead
}

// Start launches the download on a background goroutine and returns a
// one-shot channel delivering the terminal result. The result callback, when
// supplied, fires exactly once with the same value.
func (z *Zoe) Start(url, targetFilePath string, resultCb ResultFunctor, progressCb ProgressFunctor, speedCb SpeedFunctor, verboseCb VerboseFunctor) <-chan Result {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.handler != nil && z.handler.state() != Stopped {
		ch := make(chan Result, 1)
		ch <- UnknownError
		if resultCb != nil {
			resultCb(UnknownError)
		}
		return ch
	}

	z.opt.URL = url
	z.opt.TargetFilePath = targetFilePath
	z.opt.ResultFunctor = resultCb
	z.opt.ProgressFunctor = progressCb
	z.opt.SpeedFunctor = speedCb
	z.opt.VerboseFunctor = verboseCb

	z.handler = newEntryHandler(z.opt)
	return z.handler.start()
}

// Pause suspends scheduling of new work; in-flight requests are not aborted.
func (z *Zoe) Pause() {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.handler != nil {
		z.handler.pause()
	}
}

// Resume clears the pause flag; the driver re-enters polling on its next
// iteration.
func (z *Zoe) Resume() {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.handler != nil {
		z.handler.resume()
	}
}

// Stop cancels the download; the pending Start resolves with CANCELED.
func (z *Zoe) Stop() {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.handler != nil {
		z.handler.stop()
	}
}

func (z *Zoe) State() DownloadState {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.handler == nil {
		return Stopped
	}
	return z.handler.state()
}

// OriginFileSize returns the remote size once probed, or -1.
func (z *Zoe) OriginFileSize() int64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.handler == nil {
		return -1
	}
	return z.handler.originFileSize()
}
