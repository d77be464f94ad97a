package process

import "errors"

// ErrNotRunning is returned by Kill when the handle was already
// terminal: a completed, killed, failed, or timed-out process cannot
// be killed again.
var ErrNotRunning = errors.New("process: handle is not running")
