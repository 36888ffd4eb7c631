package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Progress receives updates from a running download. Every method may be
// called from several goroutines at once.
type Progress interface {
	SetTotalExpectedBytes(n int64)
	AddBytesDownloaded(delta int64)
	// SetProgress publishes a fraction in [0, 1], or -1 once the run has
	// failed or been cancelled.
	SetProgress(fraction float64)
	SetStatusMessage(msg string)
	IsCancelled() bool
}

// DownloadInfo is the mutex-guarded Progress used by the CLI. Cancel flips
// the flag the orchestrator polls at batch and file boundaries.
type DownloadInfo struct {
	mu         sync.Mutex
	total      int64
	downloaded int64
	progress   float64
	status     string
	cancelled  bool
	updatedAt  time.Time
}

// Snapshot is a consistent copy of a DownloadInfo.
type Snapshot struct {
	Total      int64
	Downloaded int64
	Progress   float64
	Status     string
	Cancelled  bool
	UpdatedAt  time.Time
}

func (d *DownloadInfo) SetTotalExpectedBytes(n int64) {
	d.mu.Lock()
	d.total = n
	d.updatedAt = time.Now()
	d.mu.Unlock()
}

func (d *DownloadInfo) AddBytesDownloaded(delta int64) {
	d.mu.Lock()
	d.downloaded += delta
	d.updatedAt = time.Now()
	d.mu.Unlock()
}

func (d *DownloadInfo) SetProgress(fraction float64) {
	d.mu.Lock()
	d.progress = fraction
	d.updatedAt = time.Now()
	d.mu.Unlock()
}

func (d *DownloadInfo) SetStatusMessage(msg string) {
	d.mu.Lock()
	d.status = msg
	d.updatedAt = time.Now()
	d.mu.Unlock()
}

func (d *DownloadInfo) IsCancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

// Cancel asks the running download to stop at the next boundary.
func (d *DownloadInfo) Cancel() {
	d.mu.Lock()
	d.cancelled = true
	d.mu.Unlock()
}

func (d *DownloadInfo) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		Total:      d.total,
		Downloaded: d.downloaded,
		Progress:   d.progress,
		Status:     d.status,
		Cancelled:  d.cancelled,
		UpdatedAt:  d.updatedAt,
	}
}

// ReportProgress logs a progress line every interval until ctx is done or
// the returned stop func is called. Unchanged snapshots are not repeated.
func ReportProgress(ctx context.Context, d *DownloadInfo, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once
	ticker := time.NewTicker(interval)
	start := time.Now()
	go func() {
		defer ticker.Stop()
		var last Snapshot
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				s := d.Snapshot()
				if s.Downloaded == last.Downloaded && s.Status == last.Status {
					continue
				}
				elapsed := time.Since(start)
				var rate float64
				if elapsed > 0 {
					rate = float64(s.Downloaded) / elapsed.Seconds() / (1 << 20)
				}
				slog.Info("progress", "status", s.Status, "downloaded", s.Downloaded, "total", s.Total,
					"pct", fmt.Sprintf("%.1f", s.Progress*100), "elapsed", elapsed.Round(time.Second).String(),
					"mib_per_sec", fmt.Sprintf("%.1f", rate))
				last = s
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
