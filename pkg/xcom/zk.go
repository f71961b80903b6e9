package xcom

import (
	"github.com/Ekosetiawan993/airflow-course-1/pkg/registry"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/zk"
)

// ZkStore keeps values at <root>/<dag>/<run>/<task>/<name>.
type ZkStore struct {
	Zk   zk.ZK
	Root registry.Path
}

func (this *ZkStore) path(key Key) registry.Path {
	return this.Root.Sub(key.DagId, key.RunId, key.TaskId, key.Name)
}

func (this *ZkStore) Push(key Key, value interface{}) error {
	buff, err := encode(value)
	if err != nil {
		return err
	}
	return zk.CreateOrSetBytes(this.Zk, this.path(key), buff)
}

func (this *ZkStore) Pull(key Key) ([]byte, error) {
	n, err := this.Zk.Get(this.path(key).Path())
	switch {
	case err == zk.ErrNotExist:
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}
	return n.GetValue(), nil
}

func (this *ZkStore) Clear(dagId, runId string) error {
	return zk.DeleteRecursive(this.Zk, this.Root.Sub(dagId, runId))
}
