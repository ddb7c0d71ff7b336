package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

var (
	ErrDispatcherBusy    = errors.New("dispatcher queue is full")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

type JobType int

const (
	Run JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Run:
		return "run"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("job(%d)", int(t))
	}
}

// Job is one unit of work for a key. Stop jobs retire the worker that
// receives them.
type Job struct {
	Type JobType
	Key  string

	ctx    context.Context
	run    func(context.Context)
	done   chan error
	finish func()
}

// execute runs the job unless its caller already gave up, and reports the
// outcome on done. A panic in run is logged and reported as an error.
func (j Job) execute() {
	var err error
	defer func() {
		if j.finish != nil {
			j.finish()
		}
		j.done <- err
	}()
	if err = j.ctx.Err(); err != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker job panicked", "key", j.Key, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("job %s panicked: %v", j.Key, r)
		}
	}()
	j.run(j.ctx)
}

func (j Job) drop(err error) {
	if j.finish != nil {
		j.finish()
	}
	j.done <- err
}
