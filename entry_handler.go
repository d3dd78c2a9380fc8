package zoe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/WilliamQf-AI/zoe/internal/download"
	"github.com/WilliamQf-AI/zoe/internal/transport"
	"github.com/WilliamQf-AI/zoe/internal/types"
	"github.com/WilliamQf-AI/zoe/internal/utils"
)

const (
	pollTimeout      = time.Second
	pauseCheckPeriod = 50 * time.Millisecond
	flushInterval    = 10 * time.Second
)

// entryHandler drives one download on a single background goroutine: probe,
// slice spin-up, the multiplex loop, pause/stop handling, the periodic flush
// and finalization. Nothing but this goroutine mutates the slice vector or
// the index file.
type entryHandler struct {
	opt    *types.Options
	client *transport.Client

	mu    sync.Mutex // guards mgr and multi for the cross-goroutine accessors
	mgr   *download.Manager
	multi *transport.Multi

	userPaused atomic.Bool
	curState   atomic.Int32

	progress *progressReporter
	speed    *speedMeter

	resultCh chan types.Result
	log      zerolog.Logger
}

func newEntryHandler(opt *types.Options) *entryHandler {
	logger, _ := utils.NewDownloadLogger("engine")
	e := &entryHandler{
		opt: opt,
		log: logger,
	}
	e.curState.Store(int32(types.Stopped))
	return e
}

func (e *entryHandler) start() <-chan types.Result {
	e.resultCh = make(chan types.Result, 1)
	go e.asyncTaskProcess()
	return e.resultCh
}

func (e *entryHandler) pause() {
	if e.state() == types.Downloading {
		e.userPaused.Store(true)
		e.setState(types.Paused)
		e.mu.Lock()
		if e.multi != nil {
			e.multi.SetPaused(true)
		}
		e.mu.Unlock()
	}
}

func (e *entryHandler) resume() {
	if e.state() == types.Paused {
		e.userPaused.Store(false)
		e.setState(types.Downloading)
		e.mu.Lock()
		if e.multi != nil {
			e.multi.SetPaused(false)
		}
		e.mu.Unlock()
	}
}

func (e *entryHandler) stop() {
	e.opt.InternalStopEvent.Set()
	e.setState(types.Stopped)
}

func (e *entryHandler) state() types.DownloadState {
	return types.DownloadState(e.curState.Load())
}

func (e *entryHandler) setState(s types.DownloadState) {
	e.curState.Store(int32(s))
}

func (e *entryHandler) originFileSize() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mgr == nil {
		return -1
	}
	return e.mgr.OriginFileSize()
}

func (e *entryHandler) setManager(mgr *download.Manager) {
	e.mu.Lock()
	e.mgr = mgr
	e.mu.Unlock()
}

func (e *entryHandler) setMulti(multi *transport.Multi) {
	e.mu.Lock()
	e.multi = multi
	e.mu.Unlock()
}

func (e *entryHandler) verbose(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.log.Debug().Msg(msg)
	if e.opt.VerboseFunctor != nil {
		e.opt.VerboseFunctor(msg)
	}
}

func (e *entryHandler) asyncTaskProcess() {
	e.opt.InternalStopEvent.Unset()
	e.userPaused.Store(false)
	e.setState(types.Downloading)

	ret := e.run()

	e.setState(types.Stopped)
	e.opt.InternalStopEvent.Set()

	if e.speed != nil {
		e.speed.stop()
		e.speed = nil
	}
	if e.progress != nil {
		e.progress.stop()
		e.progress = nil
	}
	e.mu.Lock()
	if e.mgr != nil {
		e.mgr.Cleanup()
		e.mgr = nil
	}
	e.mu.Unlock()

	if e.opt.ResultFunctor != nil {
		e.opt.ResultFunctor(ret)
	}
	e.resultCh <- ret
}

func (e *entryHandler) run() types.Result {
	e.verbose("URL: %s.", e.opt.URL)
	e.verbose("Thread number: %d.", e.opt.ThreadNum)
	e.verbose("Disk cache size: %d bytes.", e.opt.DiskCacheSize)
	e.verbose("Target file path: %s.", e.opt.TargetFilePath)

	e.client = transport.NewClient(e.opt)
	defer e.client.CloseIdle()

	info, ok := e.fetchFileInfoWithRetry()
	if e.opt.StopRequested() {
		return types.Canceled
	}
	if !ok {
		e.verbose("Fetch file info failed.")
		return types.FetchFileInfoFailed
	}
	e.verbose("File size: %d bytes.", info.Size)
	e.verbose("Content MD5: %s.", info.ContentMD5)
	e.verbose("Redirect URL: %s.", info.FinalURL)

	// A zero-byte resource needs no slices at all.
	if info.Size == 0 {
		if err := download.CreateFixedSizeFile(e.opt.TargetFilePath, 0); err != nil {
			return types.CreateTargetFileFailed
		}
		return types.Successed
	}

	finalURL := info.FinalURL
	if finalURL == "" {
		finalURL = e.opt.URL
	}
	mgr, err := download.NewManager(e.opt, finalURL)
	if err != nil {
		e.verbose("Open target file failed: %v.", err)
		return types.OpenTargetFileFailed
	}
	e.setManager(mgr)

	if err := mgr.LoadExistSlices(info.Size, info.ContentMD5); err != nil {
		mgr.SetOriginFileSize(info.Size)
		mgr.SetContentMD5(info.ContentMD5)
		if err := mgr.MakeSlices(info.AcceptRanges); err != nil {
			e.verbose("Make slices failed: %v.", err)
			return types.CreateTargetFileFailed
		}
	}

	if mgr.OriginFileSize() != -1 && mgr.CheckAllSliceCompletedByFileSize() {
		e.verbose("All of slices have been downloaded.")
		return mgr.FinishDownloadProgress(false, nil)
	}

	multi, err := transport.NewMulti(e.client)
	if err != nil {
		return types.InitMultiFailed
	}
	e.setMulti(multi)
	defer multi.Cleanup()

	concurrency := mgr.UnfetchAndUncompletedSliceNum()
	if concurrency > e.opt.ThreadNum {
		concurrency = e.opt.ThreadNum
	}
	diskCachePerSlice, maxSpeedPerSlice := e.calculateSliceInfo(concurrency)
	e.verbose("Disk cache per slice: %d bytes.", diskCachePerSlice)
	e.verbose("Max speed per slice: %d bytes.", maxSpeedPerSlice)

	started := 0
	for started < e.opt.ThreadNum {
		slice := mgr.GetSlice(download.StatusUnfetch)
		if slice == nil {
			break
		}
		slice.SetStatus(download.StatusFetched)
		if err := slice.Start(multi, mgr.FinalURL(), diskCachePerSlice, maxSpeedPerSlice); err != nil {
			e.verbose("Slice<%d> start downloading failed: %v.", slice.Index(), err)
			return types.UnknownError
		}
		e.verbose("Slice<%d> start downloading.", slice.Index())
		started++
	}
	if started == 0 {
		e.verbose("No available slice.")
		return types.UnknownError
	}

	if e.opt.ProgressFunctor != nil {
		e.progress = newProgressReporter(e.opt, mgr)
	}
	if e.opt.SpeedFunctor != nil {
		e.speed = newSpeedMeter(e.opt, mgr, mgr.TotalDownloaded())
	}

	e.verbose("Start downloading.")
	lastFlush := time.Now()

	for {
		if e.userPaused.Load() {
			multi.SetPaused(true)
			for {
				if e.opt.InternalStopEvent.Wait(pauseCheckPeriod) {
					break
				}
				if e.opt.UserStopEvent != nil && e.opt.UserStopEvent.IsSet() {
					break
				}
				if !e.userPaused.Load() {
					break
				}
			}
			multi.SetPaused(false)
		}

		if e.opt.StopRequested() {
			break
		}

		if time.Since(lastFlush) >= flushInterval {
			mgr.FlushAllSlices()
			if err := mgr.FlushIndexFile(); err != nil {
				e.verbose("Flush index file failed: %v.", err)
			}
			lastFlush = time.Now()
		}

		// Wait for a completion, a stop signal, or the poll timeout,
		// whichever comes first.
		var msg *transport.Message
		var userStopCh <-chan struct{}
		if e.opt.UserStopEvent != nil {
			userStopCh = e.opt.UserStopEvent.Done()
		}
		pollTimer := time.NewTimer(pollTimeout)
		select {
		case msg = <-multi.Messages():
		case <-e.opt.InternalStopEvent.Done():
		case <-userStopCh:
		case <-pollTimer.C:
		}
		pollTimer.Stop()

		if msg != nil {
			e.handleMessage(msg)
			for more := multi.InfoRead(); more != nil; more = multi.InfoRead() {
				e.handleMessage(more)
			}
		}

		// While paused no new work is pulled; completions above were only
		// recorded.
		if !e.userPaused.Load() && multi.StillRunning() < e.opt.ThreadNum {
			e.tryStartSlices()
		}

		if multi.StillRunning() == 0 && !e.userPaused.Load() {
			break
		}
	}

	e.verbose("Downloading end.")

	ret := mgr.FinishDownloadProgress(true, multi)
	if ret == types.Successed {
		e.verbose("All success!")
		return ret
	}
	if e.opt.StopRequested() {
		return types.Canceled
	}
	return ret
}

// handleMessage applies one transport completion to its slice.
func (e *entryHandler) handleMessage(msg *transport.Message) {
	mgr := e.mgr
	slice := mgr.GetSliceByRequest(msg.Req)
	if slice == nil {
		return
	}
	if msg.Err == nil {
		switch {
		case slice.IsDataCompletedClearly():
			slice.SetStatus(download.StatusCompleted)
		case slice.End() == -1:
			slice.SetStatus(download.StatusCompletedNotSure)
		default:
			slice.SetStatus(download.StatusFailed)
			slice.IncreaseFailedTimes()
		}
	} else {
		e.verbose("Slice<%d> download failed: %v.", slice.Index(), msg.Err)
		slice.SetStatus(download.StatusFailed)
		slice.IncreaseFailedTimes()
	}
	if err := slice.Stop(e.multi); err != nil {
		e.log.Error().Err(err).Uint32("slice", slice.Index()).Msg("Slice stop failed")
	}
}

// tryStartSlices fills free transfer slots in priority order: never-started
// slices first, then the first failed slice in index order if it still has
// retries left, then the open-ended slice needing reconciliation once nothing
// else is in flight. When the first failed slice has used up its retries, no
// slice is started.
func (e *entryHandler) tryStartSlices() {
	mgr := e.mgr
	for e.multi.StillRunning() < e.opt.ThreadNum {
		slice := mgr.GetSlice(download.StatusUnfetch)
		if slice == nil {
			if failed := mgr.GetSlice(download.StatusFailed); failed != nil {
				if failed.FailedTimes() >= uint32(e.opt.SliceMaxFailedTimes) {
					return
				}
				slice = failed
				e.verbose("Re-download slice<%d>.", slice.Index())
			} else if mgr.GetSlice(download.StatusDownloading) == nil {
				notSure := mgr.GetSlice(download.StatusCompletedNotSure)
				if notSure == nil {
					return
				}
				// Only one slice can be open-ended. When the size stayed
				// unknown or everything else finished, what we received is
				// the whole file.
				if mgr.OriginFileSize() == -1 || mgr.CheckAllSliceCompletedByFileSize() {
					notSure.SetStatus(download.StatusCompleted)
					continue
				}
				slice = notSure
				e.verbose("Re-download slice<%d>.", slice.Index())
			} else {
				return
			}
		}

		diskCache, maxSpeed := e.calculateSliceInfo(e.multi.StillRunning() + 1)
		slice.SetStatus(download.StatusFetched)
		if err := slice.Start(e.multi, mgr.FinalURL(), diskCache, maxSpeed); err != nil {
			e.verbose("Slice<%d> start downloading failed: %v.", slice.Index(), err)
			slice.SetStatus(download.StatusFailed)
			slice.IncreaseFailedTimes()
			return
		}
		e.verbose("Slice<%d> start downloading.", slice.Index())
	}
}

// calculateSliceInfo splits the cache budget and the speed cap between the
// given number of concurrent transfers; -1 passes through as unlimited.
func (e *entryHandler) calculateSliceInfo(concurrency int) (diskCachePerSlice, maxSpeedPerSlice int64) {
	if concurrency <= 0 {
		return e.opt.DiskCacheSize, e.opt.MaxSpeed
	}
	diskCachePerSlice = e.opt.DiskCacheSize / int64(concurrency)
	if e.opt.MaxSpeed == -1 {
		maxSpeedPerSlice = -1
	} else {
		maxSpeedPerSlice = e.opt.MaxSpeed / int64(concurrency)
	}
	return diskCachePerSlice, maxSpeedPerSlice
}

// fetchFileInfoWithRetry probes the remote resource up to retry+1 times,
// aborting early when a stop is requested.
func (e *entryHandler) fetchFileInfoWithRetry() (transport.FileInfo, bool) {
	e.verbose("Fetching file info...")
	var info transport.FileInfo
	for attempt := 0; attempt <= e.opt.FetchFileInfoRetry; attempt++ {
		var err error
		info, err = e.fetchFileInfo()
		if err == nil {
			return info, true
		}
		if e.opt.StopRequested() {
			return info, false
		}
		e.verbose("Fetching file info failed: %v, retry...", err)
	}
	return info, false
}

func (e *entryHandler) fetchFileInfo() (transport.FileInfo, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel the probe as soon as either stop event fires.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pauseCheckPeriod):
				if e.opt.StopRequested() {
					cancel()
					return
				}
			}
		}
	}()

	return e.client.FetchFileInfo(ctx, e.opt.URL, e.opt.UseHeadMethod)
}
