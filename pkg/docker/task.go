package docker

import (
	"bufio"
	"bytes"
	"context"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/dag"
	"io"
	"strings"
	"sync"
)

type Runner interface {
	RunOnce(ctx context.Context, spec RunSpec, out io.Writer) (*Container, error)
}

// Task runs a container job as a dag task.  Environment values are templates,
// e.g. SPARK_APPLICATION_ARGS={{ xcom_pull "store_prices" }}.  The last line the
// container prints is the task's value.
type Task struct {
	dag.Base
	Spec   RunSpec
	Runner Runner
}

func NewTask(id string, runner Runner, spec RunSpec) *Task {
	return &Task{Base: dag.Base{TaskId: id}, Spec: spec, Runner: runner}
}

func (this *Task) Execute(ctx *dag.Context) (interface{}, error) {
	spec := this.Spec
	env, err := ctx.RenderAll(this.Spec.Env)
	if err != nil {
		return nil, err
	}
	spec.Env = env
	ctx.Log("Running", spec.Image, "as", spec.Name)

	out := &last_line{log: ctx.Log}
	_, err = this.Runner.RunOnce(ctx, spec, out)
	out.flush()
	if err != nil {
		return nil, err
	}
	if out.last == "" {
		return nil, nil
	}
	return out.last, nil
}

// last_line forwards container output to the task log and keeps the last
// non empty line.
type last_line struct {
	lock    sync.Mutex
	log     func(...interface{})
	partial bytes.Buffer
	last    string
}

func (this *last_line) Write(p []byte) (int, error) {
	this.lock.Lock()
	defer this.lock.Unlock()
	this.partial.Write(p)
	data := this.partial.Bytes()
	i := bytes.LastIndexByte(data, '\n')
	if i < 0 {
		return len(p), nil
	}
	scanner := bufio.NewScanner(bytes.NewReader(data[0 : i+1]))
	for scanner.Scan() {
		this.line(scanner.Text())
	}
	rest := append([]byte{}, data[i+1:]...)
	this.partial.Reset()
	this.partial.Write(rest)
	return len(p), nil
}

func (this *last_line) line(l string) {
	l = strings.TrimRight(l, "\r")
	if strings.TrimSpace(l) == "" {
		return
	}
	this.last = l
	if this.log != nil {
		this.log(l)
	}
}

func (this *last_line) flush() {
	this.lock.Lock()
	defer this.lock.Unlock()
	if this.partial.Len() > 0 {
		this.line(this.partial.String())
		this.partial.Reset()
	}
}
