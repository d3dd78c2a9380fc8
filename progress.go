package zoe

import (
	"time"

	"github.com/WilliamQf-AI/zoe/internal/download"
	"github.com/WilliamQf-AI/zoe/internal/types"
)

const (
	progressInterval = 500 * time.Millisecond
	speedInterval    = time.Second
)

// progressReporter periodically reports (total, downloaded) to the user
// callback. It only reads atomic counters from the manager, so it can run on
// its own goroutine alongside the driver.
type progressReporter struct {
	quit chan struct{}
	done chan struct{}
}

func newProgressReporter(opt *types.Options, mgr *download.Manager) *progressReporter {
	p := &progressReporter{
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				opt.ProgressFunctor(mgr.OriginFileSize(), mgr.TotalDownloaded())
			case <-p.quit:
				// Final update so completion never reports short.
				opt.ProgressFunctor(mgr.OriginFileSize(), mgr.TotalDownloaded())
				return
			}
		}
	}()
	return p
}

func (p *progressReporter) stop() {
	close(p.quit)
	<-p.done
}

// speedMeter samples the downloaded-byte counter once per second and reports
// the delta as bytes per second.
type speedMeter struct {
	quit chan struct{}
	done chan struct{}
}

func newSpeedMeter(opt *types.Options, mgr *download.Manager, seed int64) *speedMeter {
	m := &speedMeter{
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(speedInterval)
		defer ticker.Stop()
		last := seed
		for {
			select {
			case <-ticker.C:
				now := mgr.TotalDownloaded()
				opt.SpeedFunctor(now - last)
				last = now
			case <-m.quit:
				return
			}
		}
	}()
	return m
}

func (m *speedMeter) stop() {
	close(m.quit)
	<-m.done
}
