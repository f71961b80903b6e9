package dag

import (
	"context"
	"fmt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/connection"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/xcom"
	"time"
)

// Context is what a task sees while it executes.
type Context struct {
	context.Context

	Dag         *Dag
	Run         *DagRun
	TaskId      string
	Try         int
	XCom        xcom.Store
	Connections connection.Store
	Params      map[string]interface{}

	log *logger
}

func (this *Context) key(taskId, name string) xcom.Key {
	if name == "" {
		name = xcom.ReturnValue
	}
	return xcom.Key{DagId: this.Dag.Id, RunId: this.Run.RunId, TaskId: taskId, Name: name}
}

// XComPull returns the value taskId returned, as it would be rendered in a
// template.
func (this *Context) XComPull(taskId string, name ...string) (string, error) {
	raw, err := this.XComPullRaw(taskId, name...)
	if err != nil {
		return "", err
	}
	return xcom.String(raw), nil
}

func (this *Context) XComPullRaw(taskId string, name ...string) ([]byte, error) {
	n := ""
	if len(name) > 0 {
		n = name[0]
	}
	raw, err := this.XCom.Pull(this.key(taskId, n))
	if err != nil {
		return nil, fmt.Errorf("xcom_pull %s: %w", taskId, err)
	}
	return raw, nil
}

func (this *Context) XComPush(name string, value interface{}) error {
	return this.XCom.Push(this.key(this.TaskId, name), value)
}

func (this *Context) Connection(id string) (*connection.Connection, error) {
	if this.Connections == nil {
		return nil, fmt.Errorf("%s: %w", id, connection.ErrNotFound)
	}
	c, err := this.Connections.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	return c, nil
}

func (this *Context) Log(m ...interface{}) {
	if this.log == nil {
		return
	}
	this.log.Log(append([]interface{}{this.TaskId + ":"}, m...)...)
}

// Ds is the logical date as YYYY-MM-DD.
func (this *Context) Ds() string {
	return this.Run.LogicalDate.UTC().Format("2006-01-02")
}

func (this *Context) Ts() string {
	return this.Run.LogicalDate.UTC().Format(time.RFC3339)
}
