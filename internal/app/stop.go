package app

import (
	"context"
	"fmt"
	"time"

	logx "speedcheck/pkg/logx"
)

// stepper runs shutdown steps with an upper bound each, so one component
// can't stall the whole stop. It never extends the caller's deadline.
type stepper struct {
	ctx context.Context
	log logx.Logger
}

func newStepper(ctx context.Context, log logx.Logger) stepper {
	return stepper{ctx: ctx, log: log}
}

func (s stepper) run(name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := s.ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		s.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		s.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				s.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
