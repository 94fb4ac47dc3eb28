package reign

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Ticker periodically queues credit ticks on a coordinator.
type Ticker struct {
	coord    *Coordinator
	interval time.Duration
	log      *log.Logger
}

// NewTicker returns a ticker firing every interval (default one second).
func NewTicker(coord *Coordinator, interval time.Duration, logger *log.Logger) *Ticker {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Ticker{coord: coord, interval: interval, log: logger}
}

// Run blocks until ctx is done.
func (t *Ticker) Run(ctx context.Context) {
	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	dropped := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			if t.coord.Tick() {
				if dropped > 0 {
					t.log.WithField("dropped", dropped).Debug("credit ticks resumed")
					dropped = 0
				}
				continue
			}
			dropped++
			if dropped == 1 {
				t.log.Warn("coordinator queue full; dropping credit tick")
			}
		}
	}
}
