package dag

import (
	"context"
	"errors"
	"fmt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/connection"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/pubsub"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/xcom"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"sort"
	"sync"
	"time"
)

type TaskInstance struct {
	TaskId  string     `json:"task_id"`
	State   TaskState  `json:"state"`
	Try     int        `json:"try_number"`
	Started *time.Time `json:"start_date,omitempty"`
	Ended   *time.Time `json:"end_date,omitempty"`
	Error   string     `json:"error,omitempty"`
}

type DagRun struct {
	DagId       string                   `json:"dag_id"`
	RunId       string                   `json:"run_id"`
	RunType     RunType                  `json:"run_type"`
	LogicalDate time.Time                `json:"logical_date"`
	State       RunState                 `json:"state"`
	Started     *time.Time               `json:"start_date,omitempty"`
	Ended       *time.Time               `json:"end_date,omitempty"`
	Tasks       map[string]*TaskInstance `json:"tasks"`

	lock sync.Mutex
}

func RunId(t RunType, logical time.Time) string {
	return fmt.Sprintf("%s__%s", t, logical.UTC().Format(time.RFC3339))
}

func (this *DagRun) TaskState(id string) TaskState {
	this.lock.Lock()
	defer this.lock.Unlock()
	if ti, has := this.Tasks[id]; has {
		return ti.State
	}
	return StateNone
}

// Failed lists the tasks that failed, not counting upstream failures.
func (this *DagRun) Failed() []string {
	this.lock.Lock()
	defer this.lock.Unlock()
	out := []string{}
	for id, ti := range this.Tasks {
		if ti.State == StateFailed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (this *DagRun) set(id string, f func(*TaskInstance)) {
	this.lock.Lock()
	defer this.lock.Unlock()
	f(this.Tasks[id])
}

type RunOptions struct {
	RunType     RunType
	LogicalDate time.Time
	Params      map[string]interface{}
	// Keep xcom values after the run.  By default they are cleared once the
	// run settles.
	KeepXCom bool
}

// Runner executes dag runs.
type Runner struct {
	XCom        xcom.Store
	Connections connection.Store
	LogTopic    pubsub.Topic

	once sync.Once
}

// xcom_store defaults XCom to an in-memory store the first time it is needed.
// Runs share the runner, so the default is set once.
func (this *Runner) xcom_store() xcom.Store {
	this.once.Do(func() {
		if this.XCom == nil {
			this.XCom = xcom.NewMemoryStore()
		}
	})
	return this.XCom
}

// Run executes the dag once.  An error is returned only when the run could not
// be started; task failures are reported through the run's state.
func (this *Runner) Run(ctx context.Context, d *Dag, opts RunOptions) (*DagRun, error) {
	order, err := d.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	if opts.RunType == "" {
		opts.RunType = RunManual
	}
	if opts.LogicalDate.IsZero() {
		opts.LogicalDate = time.Now().UTC()
	}

	now := time.Now()
	run := &DagRun{
		DagId:       d.Id,
		RunId:       RunId(opts.RunType, opts.LogicalDate),
		RunType:     opts.RunType,
		LogicalDate: opts.LogicalDate,
		State:       RunRunning,
		Started:     &now,
		Tasks:       map[string]*TaskInstance{},
	}
	for _, id := range order {
		run.Tasks[id] = &TaskInstance{TaskId: id, State: StateNone}
	}

	log := new_logger(d.Id+"/"+run.RunId, this.LogTopic.Sub(d.Id), uuid.New().String())
	defer log.Close()
	log.Log("Starting run", "tasks=", order)

	store := this.xcom_store()
	if !opts.KeepXCom {
		defer func() {
			if err := store.Clear(d.Id, run.RunId); err != nil {
				glog.Warningln("Cannot clear xcom", d.Id, run.RunId, "Err=", err)
			}
		}()
	}

	for {
		ready := this.schedule(d, run, order)
		if len(ready) == 0 {
			break
		}
		group := new(errgroup.Group)
		if d.MaxActiveTasks > 0 {
			group.SetLimit(d.MaxActiveTasks)
		}
		for _, id := range ready {
			id := id
			group.Go(func() error {
				this.run_task(ctx, d, run, id, opts, store, log)
				return nil
			})
		}
		group.Wait()
	}

	ended := time.Now()
	run.lock.Lock()
	run.Ended = &ended
	run.State = RunSuccess
	for _, ti := range run.Tasks {
		if ti.State != StateSuccess {
			run.State = RunFailed
		}
	}
	run.lock.Unlock()
	log.Log("Run finished", "state=", run.State, "failed=", run.Failed())

	this.callback(ctx, d, run, log)
	return run, nil
}

// schedule marks tasks behind a failure as upstream_failed and returns the
// tasks whose upstreams all succeeded.
func (this *Runner) schedule(d *Dag, run *DagRun, order []string) []string {
	run.lock.Lock()
	defer run.lock.Unlock()

	ready := []string{}
	for _, id := range order {
		ti := run.Tasks[id]
		if ti.State != StateNone {
			continue
		}
		all_success := true
		for _, up := range d.upstream[id] {
			switch run.Tasks[up].State {
			case StateSuccess:
			case StateFailed, StateUpstreamFailed:
				ti.State = StateUpstreamFailed
				ti.Error = ErrUpstreamFailed.Error() + ": " + up
				all_success = false
			default:
				all_success = false
			}
			if ti.State == StateUpstreamFailed {
				break
			}
		}
		if all_success {
			ti.State = StateScheduled
			ready = append(ready, id)
		}
	}
	return ready
}

func (this *Runner) task_args(d *Dag, t Task) (retries int, delay, timeout time.Duration) {
	retries = d.DefaultArgs.Retries
	delay = d.DefaultArgs.RetryDelay
	timeout = d.DefaultArgs.ExecutionTimeout
	if c, ok := t.(configurable); ok {
		args := c.Args()
		if args.Retries != nil {
			retries = *args.Retries
		}
		if args.RetryDelay != nil {
			delay = *args.RetryDelay
		}
		if args.ExecutionTimeout != nil {
			timeout = *args.ExecutionTimeout
		}
	}
	return
}

func (this *Runner) run_task(ctx context.Context, d *Dag, run *DagRun, id string, opts RunOptions,
	store xcom.Store, log *logger) {

	task := d.tasks[id]
	retries, delay, timeout := this.task_args(d, task)

	for try := 1; ; try++ {
		started := time.Now()
		run.set(id, func(ti *TaskInstance) {
			ti.State = StateRunning
			ti.Try = try
			ti.Started = &started
			ti.Ended = nil
			ti.Error = ""
		})
		log.Log(id, "Starting try", try, "of", retries+1)

		value, err := this.execute(ctx, d, run, task, try, timeout, opts, store, log)
		if err == nil && value != nil {
			err = store.Push(xcom.Key{DagId: d.Id, RunId: run.RunId, TaskId: id, Name: xcom.ReturnValue}, value)
		}

		ended := time.Now()
		if err == nil {
			run.set(id, func(ti *TaskInstance) {
				ti.State = StateSuccess
				ti.Ended = &ended
			})
			log.Log(id, "Success", "elapsed=", ended.Sub(started))
			return
		}

		retry := try <= retries && ctx.Err() == nil
		run.set(id, func(ti *TaskInstance) {
			ti.Ended = &ended
			ti.Error = err.Error()
			if retry {
				ti.State = StateUpForRetry
			} else {
				ti.State = StateFailed
			}
		})
		if !retry {
			log.Log(id, "Failed", "Err=", err)
			return
		}
		log.Log(id, "Failed, retrying in", delay, "Err=", err)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

func (this *Runner) execute(ctx context.Context, d *Dag, run *DagRun, task Task, try int, timeout time.Duration,
	opts RunOptions, store xcom.Store, log *logger) (value interface{}, err error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	task_ctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		task_ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			glog.Errorln("Task panic", d.Id, task.Id(), r)
			value, err = nil, fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()

	value, err = task.Execute(&Context{
		Context:     task_ctx,
		Dag:         d,
		Run:         run,
		TaskId:      task.Id(),
		Try:         try,
		XCom:        store,
		Connections: this.Connections,
		Params:      opts.Params,
		log:         log,
	})
	if err != nil && errors.Is(task_ctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: %s after %s: %v", ErrExecutionTimeout, task.Id(), timeout, err)
	}
	return value, err
}

func (this *Runner) callback(ctx context.Context, d *Dag, run *DagRun, log *logger) {
	var cb Callback
	switch run.State {
	case RunSuccess:
		cb = d.OnSuccess
	case RunFailed:
		cb = d.OnFailure
	}
	if cb == nil {
		return
	}
	// The callback still runs when the run was cancelled.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := cb.Call(cctx, run); err != nil {
		log.Log("Callback failed", "state=", run.State, "Err=", err)
	}
}
