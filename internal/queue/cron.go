package queue

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func NextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// StartSweep runs the stuck-task sweep on the given cron schedule until ctx
// is cancelled. An unparseable expression disables the sweep.
func StartSweep(ctx context.Context, db *gorm.DB, cronExpr string, out io.Writer) {
	if out == nil {
		out = io.Discard
	}
	go func() {
		for {
			wait := NextCronDuration(cronExpr)
			if wait == 0 {
				log.Printf("queue: sweep disabled: bad cron expression %q", cronExpr)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			n, err := SweepStuck(db, stuckTimeout)
			if err != nil {
				log.Printf("queue: sweep error: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("queue: sweep re-queued %d stuck tasks", n)
			}
		}
	}()
}
