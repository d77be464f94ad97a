package process

import (
	"context"
	"os"
	"time"
)

// ScreenWatcher polls a log file's size to detect when interactive
// output has gone silent, adapted from the Rust original's
// process/watcher.rs stream-based screen watcher: a stat() per tick
// during active output, with capture-pane (or any other diagnostic)
// only needed once silence actually fires.
type ScreenWatcher struct {
	PollInterval time.Duration
	SilenceTimeout time.Duration
}

func DefaultScreenWatcher() ScreenWatcher {
	return ScreenWatcher{PollInterval: 2 * time.Second, SilenceTimeout: 60 * time.Second}
}

// Watch polls logPath until ctx is done or isRunning reports false,
// invoking onSilence once each time the file goes quiet for
// SilenceTimeout, resetting only when new output appears.
func (w ScreenWatcher) Watch(ctx context.Context, logPath string, isRunning func() bool, onSilence func()) {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	var lastSize int64
	var silenceStart time.Time
	firedForSilence := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !isRunning() {
				return
			}

			info, err := os.Stat(logPath)
			if err != nil {
				continue
			}
			size := info.Size()

			if size != lastSize {
				lastSize = size
				silenceStart = time.Time{}
				firedForSilence = false
				continue
			}

			if firedForSilence {
				continue
			}
			if silenceStart.IsZero() {
				silenceStart = time.Now()
				continue
			}
			if time.Since(silenceStart) >= w.SilenceTimeout {
				onSilence()
				firedForSilence = true
			}
		}
	}
}
