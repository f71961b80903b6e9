package dag

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBadConfig        = errors.New("bad-config")
	ErrDuplicateTask    = errors.New("duplicate-task")
	ErrUnknownTask      = errors.New("unknown-task")
	ErrCycle            = errors.New("cycle")
	ErrSensorTimeout    = errors.New("sensor-timeout")
	ErrUpstreamFailed   = errors.New("upstream-failed")
	ErrTaskPanic        = errors.New("task-panic")
	ErrExecutionTimeout = errors.New("execution-timeout")
)

type TaskState string

const (
	StateNone           TaskState = "none"
	StateScheduled      TaskState = "scheduled"
	StateRunning        TaskState = "running"
	StateSuccess        TaskState = "success"
	StateFailed         TaskState = "failed"
	StateUpForRetry     TaskState = "up_for_retry"
	StateUpstreamFailed TaskState = "upstream_failed"
)

func (s TaskState) Finished() bool {
	return s == StateSuccess || s == StateFailed || s == StateUpstreamFailed
}

type RunState string

const (
	RunQueued  RunState = "queued"
	RunRunning RunState = "running"
	RunSuccess RunState = "success"
	RunFailed  RunState = "failed"
)

type RunType string

const (
	RunScheduled RunType = "scheduled"
	RunManual    RunType = "manual"
)

// Task is a unit of work in a dag.  The value returned by Execute is handed to
// downstream tasks through xcom.
type Task interface {
	Id() string
	Execute(ctx *Context) (interface{}, error)
}

// TaskArgs override the dag's DefaultArgs for one task.
type TaskArgs struct {
	Retries          *int
	RetryDelay       *time.Duration
	ExecutionTimeout *time.Duration
}

type DefaultArgs struct {
	Owner            string        `json:"owner,omitempty" yaml:"owner,omitempty"`
	Retries          int           `json:"retries,omitempty" yaml:"retries,omitempty"`
	RetryDelay       time.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	ExecutionTimeout time.Duration `json:"execution_timeout,omitempty" yaml:"execution_timeout,omitempty"`
}

type configurable interface {
	Args() TaskArgs
}

// Base carries the task id and per task arguments for the operators.
type Base struct {
	TaskId string
	TaskArgs
}

func (this Base) Id() string {
	return this.TaskId
}

func (this Base) Args() TaskArgs {
	return this.TaskArgs
}

// Callback runs once a dag run has settled.
type Callback interface {
	Call(ctx context.Context, run *DagRun) error
}

type CallbackFunc func(ctx context.Context, run *DagRun) error

func (f CallbackFunc) Call(ctx context.Context, run *DagRun) error {
	return f(ctx, run)
}
