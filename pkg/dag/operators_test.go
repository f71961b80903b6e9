package dag

import (
	"context"
	"errors"
	. "gopkg.in/check.v1"
	"strings"
	"time"
)

type OperatorTests struct{}

var _ = Suite(&OperatorTests{})

func (suite *OperatorTests) TestSensorDone(c *C) {
	pokes := 0
	sensor := NewSensor("is_api_available", time.Millisecond, time.Second, func(ctx *Context) (bool, interface{}, error) {
		pokes++
		return pokes == 3, "https://query1.finance.yahoo.com/v8/finance/chart/", nil
	})
	d := New("sensor").Add(sensor, NewFuncTask("next", func(ctx *Context, params map[string]string) (interface{}, error) {
		return params["url"] + "AAPL", nil
	}, map[string]string{"url": `{{ xcom_pull "is_api_available" }}`}))
	d.Chain("is_api_available", "next")

	run, err := (&Runner{}).Run(context.Background(), d, RunOptions{})
	c.Assert(err, Equals, nil)
	c.Assert(run.State, Equals, RunSuccess)
	c.Assert(pokes, Equals, 3)
}

func (suite *OperatorTests) TestSensorTimeout(c *C) {
	pokes := 0
	sensor := NewSensor("never", 10*time.Millisecond, 35*time.Millisecond, func(ctx *Context) (bool, interface{}, error) {
		pokes++
		return false, nil, nil
	})
	run, err := (&Runner{}).Run(context.Background(), New("sensor").Add(sensor), RunOptions{})
	c.Assert(err, Equals, nil)
	c.Assert(run.State, Equals, RunFailed)
	c.Assert(strings.HasPrefix(run.Tasks["never"].Error, "sensor-timeout: never"), Equals, true)
	c.Assert(pokes >= 2 && pokes <= 4, Equals, true)
}

func (suite *OperatorTests) TestSensorErrorAndCancel(c *C) {
	sensor := NewSensor("broken", time.Millisecond, time.Second, func(ctx *Context) (bool, interface{}, error) {
		return false, nil, errors.New("bad json")
	})
	_, err := sensor.Execute(&Context{Context: context.Background(), TaskId: "broken"})
	c.Assert(err, ErrorMatches, "bad json")

	ctx, cancel := context.WithCancel(context.Background())
	waiting := NewSensor("waiting", time.Hour, 0, func(*Context) (bool, interface{}, error) {
		cancel()
		return false, nil, nil
	})
	_, err = waiting.Execute(&Context{Context: ctx, TaskId: "waiting"})
	c.Assert(err, Equals, context.Canceled)

	_, err = NewSensor("bad", 0, 0, nil).Execute(&Context{Context: context.Background()})
	c.Assert(errors.Is(err, ErrBadConfig), Equals, true)
}

func (suite *OperatorTests) TestFuncTaskWithoutFunc(c *C) {
	_, err := (&FuncTask{Base: Base{TaskId: "x"}}).Execute(&Context{Context: context.Background()})
	c.Assert(errors.Is(err, ErrBadConfig), Equals, true)
}

func (suite *OperatorTests) TestRender(c *C) {
	ctx := &Context{
		Context: context.Background(),
		Dag:     New("stock_market"),
		Run:     &DagRun{RunId: "manual__x", LogicalDate: time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)},
		TaskId:  "load_to_dw",
		Params:  map[string]interface{}{"symbol": "AAPL"},
	}
	out, err := ctx.Render("{{ .dag_id }}/{{ .run_id }}/{{ .ds }}/{{ .ts }}/{{ .params.symbol }}")
	c.Assert(err, Equals, nil)
	c.Assert(out, Equals, "stock_market/manual__x/2024-03-04/2024-03-04T05:06:07Z/AAPL")

	_, err = ctx.Render("{{ .nope }}")
	c.Assert(err, NotNil)
	_, err = ctx.Render("{{ unclosed ")
	c.Assert(err, NotNil)
}
