package dag

import (
	"context"
	"errors"
	"fmt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/pubsub"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/xcom"
	. "gopkg.in/check.v1"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type RunnerTests struct{}

var _ = Suite(&RunnerTests{})

var logical = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func (suite *RunnerTests) TestXComHandOff(c *C) {
	d := New("odd_even_machine")
	d.Add(
		NewFuncTask("generate", func(ctx *Context, params map[string]string) (interface{}, error) {
			return 42, nil
		}, nil),
		NewFuncTask("classify", func(ctx *Context, params map[string]string) (interface{}, error) {
			return params["number"] + "@" + params["ds"], nil
		}, map[string]string{
			"number": `{{ xcom_pull "generate" }}`,
			"ds":     "{{ .ds }}",
		}),
	)
	d.Chain("generate", "classify")

	store := xcom.NewMemoryStore()
	r := &Runner{XCom: store}
	run, err := r.Run(context.Background(), d, RunOptions{RunType: RunScheduled, LogicalDate: logical, KeepXCom: true})
	c.Assert(err, Equals, nil)
	c.Assert(run.State, Equals, RunSuccess)
	c.Assert(run.RunId, Equals, "scheduled__2024-01-02T00:00:00Z")
	c.Assert(run.TaskState("generate"), Equals, StateSuccess)
	c.Assert(run.TaskState("classify"), Equals, StateSuccess)
	c.Assert(run.TaskState("missing"), Equals, StateNone)

	raw, err := store.Pull(xcom.Key{DagId: d.Id, RunId: run.RunId, TaskId: "classify", Name: xcom.ReturnValue})
	c.Assert(err, Equals, nil)
	c.Assert(xcom.String(raw), Equals, "42@2024-01-02")
}

func (suite *RunnerTests) TestXComClearedAfterRun(c *C) {
	d := New("clear").Add(NewFuncTask("a", func(ctx *Context, params map[string]string) (interface{}, error) {
		return "value", nil
	}, nil))
	store := xcom.NewMemoryStore()
	run, err := (&Runner{XCom: store}).Run(context.Background(), d, RunOptions{LogicalDate: logical})
	c.Assert(err, Equals, nil)
	c.Assert(run.RunType, Equals, RunManual)
	_, err = store.Pull(xcom.Key{DagId: "clear", RunId: run.RunId, TaskId: "a", Name: xcom.ReturnValue})
	c.Assert(err, Equals, xcom.ErrNotFound)
}

func (suite *RunnerTests) TestConcurrentRunsShareDefaultXCom(c *C) {
	var lock sync.Mutex
	seen := []xcom.Store{}
	d := New("shared").Add(NewFuncTask("a", func(ctx *Context, params map[string]string) (interface{}, error) {
		lock.Lock()
		seen = append(seen, ctx.XCom)
		lock.Unlock()
		return ctx.Run.RunId, nil
	}, nil))

	r := &Runner{}
	var wg sync.WaitGroup
	runs := make([]*DagRun, 8)
	errs := make([]error, len(runs))
	for i := range runs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			runs[i], errs[i] = r.Run(context.Background(), d, RunOptions{LogicalDate: logical.AddDate(0, 0, i), KeepXCom: true})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		c.Assert(err, Equals, nil)
	}

	c.Assert(r.XCom, NotNil)
	c.Assert(seen, HasLen, len(runs))
	for _, s := range seen {
		c.Assert(s == r.XCom, Equals, true)
	}
	for _, run := range runs {
		c.Assert(run.State, Equals, RunSuccess)
		raw, err := r.XCom.Pull(xcom.Key{DagId: "shared", RunId: run.RunId, TaskId: "a", Name: xcom.ReturnValue})
		c.Assert(err, Equals, nil)
		c.Assert(xcom.String(raw), Equals, run.RunId)
	}
}

func (suite *RunnerTests) TestRetries(c *C) {
	var calls int32
	flaky := NewFuncTask("flaky", func(ctx *Context, params map[string]string) (interface{}, error) {
		n := atomic.AddInt32(&calls, 1)
		if ctx.Try != int(n) {
			return nil, fmt.Errorf("try %d call %d", ctx.Try, n)
		}
		if n < 3 {
			return nil, errors.New("not yet")
		}
		return "ok", nil
	}, nil)
	d := New("retry").Add(flaky)
	d.DefaultArgs.Retries = 2
	d.DefaultArgs.RetryDelay = time.Millisecond

	run, err := (&Runner{}).Run(context.Background(), d, RunOptions{})
	c.Assert(err, Equals, nil)
	c.Assert(run.State, Equals, RunSuccess)
	c.Assert(atomic.LoadInt32(&calls), Equals, int32(3))
	c.Assert(run.Tasks["flaky"].Try, Equals, 3)

	// per task override wins over the dag default
	atomic.StoreInt32(&calls, 0)
	none := 0
	flaky.Retries = &none
	run, err = (&Runner{}).Run(context.Background(), d, RunOptions{})
	c.Assert(err, Equals, nil)
	c.Assert(run.State, Equals, RunFailed)
	c.Assert(atomic.LoadInt32(&calls), Equals, int32(1))
	c.Assert(run.Tasks["flaky"].Error, Equals, "not yet")
}

func (suite *RunnerTests) TestUpstreamFailedAndCallbacks(c *C) {
	var ran int32
	d := New("stock_market").Add(
		NewFuncTask("a", func(ctx *Context, params map[string]string) (interface{}, error) {
			return nil, errors.New("api down")
		}, nil),
		NewFuncTask("b", func(ctx *Context, params map[string]string) (interface{}, error) {
			atomic.AddInt32(&ran, 1)
			return nil, nil
		}, nil),
		NewFuncTask("c", func(ctx *Context, params map[string]string) (interface{}, error) {
			atomic.AddInt32(&ran, 1)
			return nil, nil
		}, nil),
		NewFuncTask("side", func(ctx *Context, params map[string]string) (interface{}, error) {
			return "fine", nil
		}, nil),
	)
	d.Chain("a", "b", "c")

	var success, failure *DagRun
	d.OnSuccess = CallbackFunc(func(ctx context.Context, run *DagRun) error {
		success = run
		return nil
	})
	d.OnFailure = CallbackFunc(func(ctx context.Context, run *DagRun) error {
		failure = run
		return errors.New("chat down") // logged only
	})

	run, err := (&Runner{}).Run(context.Background(), d, RunOptions{})
	c.Assert(err, Equals, nil)
	c.Assert(run.State, Equals, RunFailed)
	c.Assert(run.TaskState("a"), Equals, StateFailed)
	c.Assert(run.TaskState("b"), Equals, StateUpstreamFailed)
	c.Assert(run.TaskState("c"), Equals, StateUpstreamFailed)
	c.Assert(run.TaskState("side"), Equals, StateSuccess)
	c.Assert(run.Tasks["b"].Error, Equals, "upstream-failed: a")
	c.Assert(run.Failed(), DeepEquals, []string{"a"})
	c.Assert(atomic.LoadInt32(&ran), Equals, int32(0))
	c.Assert(failure, Equals, run)
	c.Assert(success, IsNil)
	c.Assert(run.Ended, NotNil)
}

func (suite *RunnerTests) TestSuccessCallback(c *C) {
	called := 0
	d := New("ok").Add(noop("a"))
	d.OnSuccess = CallbackFunc(func(ctx context.Context, run *DagRun) error {
		called++
		return nil
	})
	d.OnFailure = CallbackFunc(func(ctx context.Context, run *DagRun) error {
		c.Fatal("failure callback on success")
		return nil
	})
	run, err := (&Runner{}).Run(context.Background(), d, RunOptions{})
	c.Assert(err, Equals, nil)
	c.Assert(run.State, Equals, RunSuccess)
	c.Assert(called, Equals, 1)
}

func (suite *RunnerTests) TestInvalidDag(c *C) {
	d := New("bad").Add(noop("a")).Chain("a", "missing")
	_, err := (&Runner{}).Run(context.Background(), d, RunOptions{})
	c.Assert(errors.Is(err, ErrUnknownTask), Equals, true)
}

func (suite *RunnerTests) TestPanicAndTimeout(c *C) {
	short := 20 * time.Millisecond
	slow := NewFuncTask("slow", func(ctx *Context, params map[string]string) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	slow.ExecutionTimeout = &short

	d := New("bad").Add(
		NewFuncTask("boom", func(ctx *Context, params map[string]string) (interface{}, error) {
			panic("boom")
		}, nil),
		slow,
	)
	run, err := (&Runner{}).Run(context.Background(), d, RunOptions{})
	c.Assert(err, Equals, nil)
	c.Assert(run.State, Equals, RunFailed)
	c.Assert(run.Tasks["boom"].Error, Equals, "task-panic: boom")
	c.Assert(strings.HasPrefix(run.Tasks["slow"].Error, "execution-timeout: slow"), Equals, true)
}

func (suite *RunnerTests) TestMissingXCom(c *C) {
	d := New("missing").Add(NewFuncTask("b", func(ctx *Context, params map[string]string) (interface{}, error) {
		return params["v"], nil
	}, map[string]string{"v": `{{ xcom_pull "nobody" }}`}))
	run, err := (&Runner{}).Run(context.Background(), d, RunOptions{})
	c.Assert(err, Equals, nil)
	c.Assert(run.State, Equals, RunFailed)
	c.Assert(strings.Contains(run.Tasks["b"].Error, "xcom-not-found"), Equals, true)
}

func (suite *RunnerTests) TestCancelled(c *C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := New("cancelled").Add(noop("a"), noop("b")).Chain("a", "b")
	d.DefaultArgs.Retries = 3
	run, err := (&Runner{}).Run(ctx, d, RunOptions{})
	c.Assert(err, Equals, nil)
	c.Assert(run.State, Equals, RunFailed)
	c.Assert(run.TaskState("a"), Equals, StateFailed)
	c.Assert(run.Tasks["a"].Try, Equals, 1)
	c.Assert(run.TaskState("b"), Equals, StateUpstreamFailed)
}

func (suite *RunnerTests) TestMaxActiveTasks(c *C) {
	var active, peak int32
	work := func(ctx *Context, params map[string]string) (interface{}, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil
	}
	d := New("wide")
	for i := 0; i < 6; i++ {
		d.Add(NewFuncTask(fmt.Sprintf("t%d", i), work, nil))
	}
	d.MaxActiveTasks = 2
	run, err := (&Runner{}).Run(context.Background(), d, RunOptions{})
	c.Assert(err, Equals, nil)
	c.Assert(run.State, Equals, RunSuccess)
	c.Assert(atomic.LoadInt32(&peak) <= 2, Equals, true)
}

func (suite *RunnerTests) TestLogTopic(c *C) {
	topic := pubsub.Topic("local://runner-test/log")
	ps, err := topic.Broker().PubSub("test")
	c.Assert(err, Equals, nil)
	sub, err := ps.Subscribe(topic.Sub("logged"))
	c.Assert(err, Equals, nil)

	d := New("logged").Add(noop("a"))
	_, err = (&Runner{LogTopic: topic}).Run(context.Background(), d, RunOptions{LogicalDate: logical})
	c.Assert(err, Equals, nil)

	first := string(<-sub)
	c.Assert(strings.HasPrefix(first, "logged/manual__2024-01-02T00:00:00Z Starting run"), Equals, true)
	c.Assert(len(sub) > 0, Equals, true)
}
