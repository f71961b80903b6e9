package dag

import (
	"fmt"
	"time"
)

// Func receives the rendered params.
type Func func(ctx *Context, params map[string]string) (interface{}, error)

// FuncTask calls a Go function.  Params are templates rendered against the run
// before the call, so {{ xcom_pull "upstream" }} hands values down the chain.
type FuncTask struct {
	Base
	Params map[string]string
	Fn     Func
}

func NewFuncTask(id string, fn Func, params map[string]string) *FuncTask {
	return &FuncTask{Base: Base{TaskId: id}, Fn: fn, Params: params}
}

func (this *FuncTask) Execute(ctx *Context) (interface{}, error) {
	if this.Fn == nil {
		return nil, fmt.Errorf("%w: %s has no function", ErrBadConfig, this.TaskId)
	}
	params, err := ctx.RenderAll(this.Params)
	if err != nil {
		return nil, err
	}
	return this.Fn(ctx, params)
}

// PokeFunc reports whether the condition holds, and the value to hand down
// when it does.
type PokeFunc func(ctx *Context) (done bool, value interface{}, err error)

// Sensor pokes until the condition holds or the timeout passes.
type Sensor struct {
	Base
	PokeInterval time.Duration
	Timeout      time.Duration
	Poke         PokeFunc
}

func NewSensor(id string, interval, timeout time.Duration, poke PokeFunc) *Sensor {
	return &Sensor{Base: Base{TaskId: id}, PokeInterval: interval, Timeout: timeout, Poke: poke}
}

func (this *Sensor) Execute(ctx *Context) (interface{}, error) {
	if this.Poke == nil || this.PokeInterval <= 0 {
		return nil, fmt.Errorf("%w: sensor %s", ErrBadConfig, this.TaskId)
	}
	started := time.Now()
	for pokes := 1; ; pokes++ {
		done, value, err := this.Poke(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			ctx.Log("Condition met after", pokes, "pokes")
			return value, nil
		}
		if this.Timeout > 0 && time.Since(started)+this.PokeInterval > this.Timeout {
			return nil, fmt.Errorf("%w: %s after %s", ErrSensorTimeout, this.TaskId, this.Timeout)
		}
		ctx.Log("Condition not met, poking again in", this.PokeInterval)
		timer := time.NewTimer(this.PokeInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
