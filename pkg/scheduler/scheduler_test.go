package scheduler

import (
	"context"
	"errors"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/dag"
	. "gopkg.in/check.v1"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler(t *testing.T) { TestingT(t) }

type SchedulerTests struct{}

var _ = Suite(&SchedulerTests{})

func day(m time.Month, d, h int) time.Time {
	return time.Date(2024, m, d, h, 0, 0, 0, time.UTC)
}

func daily(id string, start time.Time, catchup bool, fn dag.Func) *dag.Dag {
	if fn == nil {
		fn = func(ctx *dag.Context, params map[string]string) (interface{}, error) { return nil, nil }
	}
	d := dag.New(id).Add(dag.NewFuncTask("work", fn, nil))
	d.StartDate = start
	d.Schedule = "@daily"
	d.Catchup = catchup
	return d
}

func (suite *SchedulerTests) TestParse(c *C) {
	s, err := Parse("@daily")
	c.Assert(err, Equals, nil)
	c.Assert(s.Next(day(1, 1, 10)), Equals, day(1, 2, 0))

	_, err = Parse("")
	c.Assert(err, Equals, ErrNoSchedule)
	_, err = Parse("every day")
	c.Assert(err, NotNil)
}

func (suite *SchedulerTests) TestDueRuns(c *C) {
	sched, _ := Parse("@daily")
	d := daily("d", day(1, 1, 0), true, nil)

	c.Assert(DueRuns(d, sched, time.Time{}, day(1, 4, 12)), DeepEquals, []time.Time{day(1, 1, 0), day(1, 2, 0), day(1, 3, 0)})
	c.Assert(DueRuns(d, sched, day(1, 2, 0), day(1, 4, 12)), DeepEquals, []time.Time{day(1, 3, 0)})
	c.Assert(DueRuns(d, sched, day(1, 3, 0), day(1, 4, 12)), DeepEquals, []time.Time{})
	c.Assert(DueRuns(d, sched, time.Time{}, day(1, 1, 12)), DeepEquals, []time.Time{})
	c.Assert(DueRuns(d, sched, time.Time{}, day(1, 2, 0)), DeepEquals, []time.Time{day(1, 1, 0)})

	// A start date inside an interval begins at the next tick.
	d.StartDate = day(1, 1, 6)
	c.Assert(DueRuns(d, sched, time.Time{}, day(1, 4, 12)), DeepEquals, []time.Time{day(1, 2, 0), day(1, 3, 0)})

	d.Catchup = false
	d.StartDate = day(1, 1, 0)
	c.Assert(DueRuns(d, sched, time.Time{}, day(3, 5, 10)), DeepEquals, []time.Time{day(3, 4, 0)})
	c.Assert(DueRuns(d, sched, day(3, 4, 0), day(3, 5, 10)), DeepEquals, []time.Time{})
}

func (suite *SchedulerTests) TestAddAndNextRun(c *C) {
	s := New(&dag.Runner{})
	c.Assert(s.Add(daily("a", day(1, 1, 0), false, nil)), Equals, nil)
	c.Assert(errors.Is(s.Add(daily("a", day(1, 1, 0), false, nil)), ErrDuplicateDag), Equals, true)

	bad := daily("bad", day(1, 1, 0), false, nil)
	bad.Schedule = ""
	c.Assert(errors.Is(s.Add(bad), ErrNoSchedule), Equals, true)

	c.Assert(len(s.Dags()), Equals, 1)

	next, err := s.NextRun("a", day(1, 1, 0).AddDate(0, -1, 0))
	c.Assert(err, Equals, nil)
	c.Assert(next, Equals, day(1, 2, 0))

	next, err = s.NextRun("a", day(3, 1, 10))
	c.Assert(err, Equals, nil)
	c.Assert(next, Equals, day(3, 2, 0))

	_, err = s.NextRun("x", day(3, 1, 10))
	c.Assert(errors.Is(err, ErrUnknownDag), Equals, true)
}

func collect(c *C, runs chan *dag.DagRun, n int) []*dag.DagRun {
	out := []*dag.DagRun{}
	for len(out) < n {
		select {
		case r := <-runs:
			out = append(out, r)
		case <-time.After(5 * time.Second):
			c.Fatalf("got %d runs, want %d", len(out), n)
		}
	}
	return out
}

func (suite *SchedulerTests) TestStartWithoutCatchup(c *C) {
	runs := make(chan *dag.DagRun, 10)
	s := New(&dag.Runner{})
	s.Now = func() time.Time { return day(3, 5, 10) }
	s.Runs = runs
	c.Assert(s.Add(daily("no_catchup", day(1, 1, 0), false, nil)), Equals, nil)
	c.Assert(s.Start(context.Background()), Equals, nil)
	c.Assert(s.Start(context.Background()), Equals, ErrStarted)

	got := collect(c, runs, 1)
	c.Assert(got[0].LogicalDate, Equals, day(3, 4, 0))
	c.Assert(got[0].RunId, Equals, "scheduled__2024-03-04T00:00:00Z")
	c.Assert(got[0].State, Equals, dag.RunSuccess)

	// Ticking again in the same interval starts nothing.
	s.tick("no_catchup")
	c.Assert(s.Stop(context.Background()), Equals, nil)
	c.Assert(len(runs), Equals, 0)
}

func (suite *SchedulerTests) TestStartWithCatchup(c *C) {
	runs := make(chan *dag.DagRun, 10)
	s := New(&dag.Runner{})
	s.Now = func() time.Time { return day(3, 5, 10) }
	s.Runs = runs
	c.Assert(s.Add(daily("catchup", day(3, 1, 0), true, nil)), Equals, nil)
	c.Assert(s.Start(context.Background()), Equals, nil)

	got := collect(c, runs, 4)
	for i, r := range got {
		c.Assert(r.LogicalDate, Equals, day(3, 1+i, 0))
	}
	c.Assert(s.Stop(context.Background()), Equals, nil)
}

func (suite *SchedulerTests) TestTriggerAndMaxActiveRuns(c *C) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	calls := int32(0)
	d := daily("manual", day(1, 1, 0), false, func(ctx *dag.Context, params map[string]string) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		started <- struct{}{}
		<-release
		return nil, nil
	})
	s := New(&dag.Runner{})
	c.Assert(s.Add(d), Equals, nil)

	done := make(chan *dag.DagRun)
	go func() {
		run, err := s.Trigger(context.Background(), "manual", dag.RunOptions{LogicalDate: day(6, 1, 0)})
		c.Check(err, Equals, nil)
		done <- run
	}()
	<-started

	_, err := s.Trigger(context.Background(), "manual", dag.RunOptions{})
	c.Assert(errors.Is(err, ErrTooManyRuns), Equals, true)

	close(release)
	run := <-done
	c.Assert(run.RunType, Equals, dag.RunManual)
	c.Assert(run.RunId, Equals, "manual__2024-06-01T00:00:00Z")
	c.Assert(run.State, Equals, dag.RunSuccess)
	c.Assert(atomic.LoadInt32(&calls), Equals, int32(1))

	_, err = s.Trigger(context.Background(), "nope", dag.RunOptions{})
	c.Assert(errors.Is(err, ErrUnknownDag), Equals, true)
	c.Assert(s.Stop(context.Background()), Equals, ErrNotStarted)
}
