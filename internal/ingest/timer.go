package ingest

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// wallTimer is the production backoff.Timer used for every scheduler wait.
type wallTimer struct {
	timer *time.Timer
}

var _ backoff.Timer = (*wallTimer)(nil)

func (t *wallTimer) Start(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.NewTimer(d)
}

func (t *wallTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *wallTimer) C() <-chan time.Time {
	return t.timer.C
}
