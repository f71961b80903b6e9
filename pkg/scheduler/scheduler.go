// Package scheduler starts dag runs on their cron schedules.
//
// A run's logical date is the start of the interval it covers, and the run
// starts once that interval has ended: the @daily run for 2024-01-01 starts at
// 2024-01-02T00:00.  Without catchup only the latest ended interval is run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/dag"
	"github.com/golang/glog"
	"github.com/robfig/cron/v3"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownDag   = errors.New("unknown-dag")
	ErrDuplicateDag = errors.New("duplicate-dag")
	ErrNoSchedule   = errors.New("no-schedule")
	ErrNoStartDate  = errors.New("no-start-date")
	ErrTooManyRuns  = errors.New("too-many-active-runs")
	ErrStarted      = errors.New("already-started")
	ErrNotStarted   = errors.New("not-started")
)

const (
	// Bounds the intervals looked at in one pass.
	MaxDueRuns = 10000
	// Without catchup, intervals that started longer ago are not looked at.
	Lookback   = 2 * 366 * 24 * time.Hour
)

func Parse(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, ErrNoSchedule
	}
	return cron.ParseStandard(spec)
}

// DueRuns lists the logical dates whose intervals ended at or before now,
// starting from the dag's start date and after last.  Without catchup only the
// latest one is returned.
func DueRuns(d *dag.Dag, sched cron.Schedule, last, now time.Time) []time.Time {
	t := sched.Next(d.StartDate.Add(-time.Nanosecond))
	if !last.IsZero() && !last.Before(t) {
		t = sched.Next(last)
	}
	if !d.Catchup {
		if recent := sched.Next(now.Add(-Lookback)); recent.After(t) {
			t = recent
		}
	}
	due := []time.Time{}
	for i := 0; i < MaxDueRuns && !t.IsZero(); i++ {
		next := sched.Next(t)
		if next.After(now) {
			break
		}
		due = append(due, t)
		t = next
	}
	if !d.Catchup && len(due) > 1 {
		due = due[len(due)-1:]
	}
	return due
}

type entry struct {
	dag      *dag.Dag
	schedule cron.Schedule
	last     time.Time
	active   int
}

func (this *entry) max_active() int {
	if this.dag.MaxActiveRuns > 0 {
		return this.dag.MaxActiveRuns
	}
	return 1
}

type Scheduler struct {
	Runner *dag.Runner
	// Now is the clock; time.Now when nil.
	Now func() time.Time
	// Runs is told about every finished run.
	Runs chan<- *dag.DagRun

	lock    sync.Mutex
	entries map[string]*entry
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

func New(runner *dag.Runner) *Scheduler {
	return &Scheduler{Runner: runner, entries: map[string]*entry{}}
}

func (this *Scheduler) now() time.Time {
	if this.Now != nil {
		return this.Now().UTC()
	}
	return time.Now().UTC()
}

func (this *Scheduler) Add(dags ...*dag.Dag) error {
	this.lock.Lock()
	defer this.lock.Unlock()
	for _, d := range dags {
		if _, has := this.entries[d.Id]; has {
			return fmt.Errorf("%s: %w", d.Id, ErrDuplicateDag)
		}
		if err := d.Validate(); err != nil {
			return err
		}
		if d.StartDate.IsZero() {
			return fmt.Errorf("%s: %w", d.Id, ErrNoStartDate)
		}
		sched, err := Parse(d.Schedule)
		if err != nil {
			return fmt.Errorf("%s: %w", d.Id, err)
		}
		this.entries[d.Id] = &entry{dag: d, schedule: sched}
	}
	return nil
}

func (this *Scheduler) Dags() []*dag.Dag {
	this.lock.Lock()
	defer this.lock.Unlock()
	ids := []string{}
	for id := range this.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []*dag.Dag{}
	for _, id := range ids {
		out = append(out, this.entries[id].dag)
	}
	return out
}

// NextRun is when the next run after the given time starts.  The first run
// starts once the interval holding the start date has ended.
func (this *Scheduler) NextRun(id string, after time.Time) (time.Time, error) {
	this.lock.Lock()
	e, has := this.entries[id]
	this.lock.Unlock()
	if !has {
		return time.Time{}, fmt.Errorf("%s: %w", id, ErrUnknownDag)
	}
	first := e.schedule.Next(e.schedule.Next(e.dag.StartDate.Add(-time.Nanosecond)))
	if after.Before(first) {
		return first, nil
	}
	return e.schedule.Next(after), nil
}

// Start runs the due intervals of every dag, then follows their schedules.
func (this *Scheduler) Start(ctx context.Context) error {
	this.lock.Lock()
	if this.cron != nil {
		this.lock.Unlock()
		return ErrStarted
	}
	this.ctx, this.cancel = context.WithCancel(ctx)
	this.cron = cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cron_logger{}))
	ids := []string{}
	for id, e := range this.entries {
		id := id
		if _, err := this.cron.AddFunc(e.dag.Schedule, func() { this.tick(id) }); err != nil {
			this.lock.Unlock()
			return fmt.Errorf("%s: %w", id, err)
		}
		ids = append(ids, id)
	}
	this.lock.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		this.tick(id)
	}
	this.cron.Start()
	glog.Infoln("Scheduler started with", ids)
	return nil
}

// Stop stops scheduling and waits for running dags.  When ctx is done first the
// runs are cancelled.
func (this *Scheduler) Stop(ctx context.Context) error {
	this.lock.Lock()
	c := this.cron
	this.stopped = true
	this.lock.Unlock()
	if c == nil {
		return ErrNotStarted
	}
	<-c.Stop().Done()

	done := make(chan struct{})
	go func() {
		this.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		this.cancel()
		glog.Infoln("Scheduler stopped")
		return nil
	case <-ctx.Done():
		glog.Warningln("Cancelling active runs")
		this.cancel()
		<-done
		return ctx.Err()
	}
}

func (this *Scheduler) tick(id string) {
	this.lock.Lock()
	defer this.lock.Unlock()
	e, has := this.entries[id]
	if !has || this.stopped || this.ctx == nil || this.ctx.Err() != nil {
		return
	}
	due := DueRuns(e.dag, e.schedule, e.last, this.now())
	for _, logical := range due {
		if e.active >= e.max_active() {
			glog.Infoln("Skipping", id, logical, ": max active runs", e.max_active(), "reached")
			return
		}
		e.active++
		e.last = logical
		this.wg.Add(1)
		go this.run(e, dag.RunScheduled, logical)
	}
}

func (this *Scheduler) run(e *entry, t dag.RunType, logical time.Time) {
	defer this.wg.Done()
	run, err := this.Runner.Run(this.ctx, e.dag, dag.RunOptions{RunType: t, LogicalDate: logical})
	this.finished(e, run, err)
	if t == dag.RunScheduled && e.dag.Catchup {
		this.tick(e.dag.Id)
	}
}

func (this *Scheduler) finished(e *entry, run *dag.DagRun, err error) {
	this.lock.Lock()
	e.active--
	this.lock.Unlock()
	if err != nil {
		glog.Warningln("Run of", e.dag.Id, "failed to start:", err)
		return
	}
	glog.Infoln("Run", run.DagId, run.RunId, "finished:", run.State)
	if this.Runs != nil {
		this.Runs <- run
	}
}

// Trigger runs the dag now, outside of its schedule, and waits for the run.
// The logical date defaults to now.
func (this *Scheduler) Trigger(ctx context.Context, id string, opts dag.RunOptions) (*dag.DagRun, error) {
	this.lock.Lock()
	e, has := this.entries[id]
	if !has {
		this.lock.Unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownDag)
	}
	if e.active >= e.max_active() {
		this.lock.Unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrTooManyRuns)
	}
	e.active++
	this.lock.Unlock()

	opts.RunType = dag.RunManual
	if opts.LogicalDate.IsZero() {
		opts.LogicalDate = this.now()
	}
	run, err := this.Runner.Run(ctx, e.dag, opts)
	this.finished(e, run, err)
	return run, err
}

// cron_logger sends the cron library's logs to glog.
type cron_logger struct{}

func (cron_logger) Info(msg string, kv ...interface{}) {
	glog.V(50).Infoln(append([]interface{}{"cron:", msg}, kv...)...)
}

func (cron_logger) Error(err error, msg string, kv ...interface{}) {
	glog.Warningln(append([]interface{}{"cron:", msg, "Err=", err}, kv...)...)
}
