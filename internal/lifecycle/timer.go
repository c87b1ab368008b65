package lifecycle

import "time"

// timer is a cancellable one-shot. Clearing before (re)arming keeps a stale
// callback from firing against a superseded attachment.
type timer struct {
	t *time.Timer
}

func (tm *timer) set(d time.Duration, fn func()) {
	tm.clear()
	tm.t = time.AfterFunc(d, fn)
}

func (tm *timer) clear() {
	if tm.t != nil {
		tm.t.Stop()
		tm.t = nil
	}
}
