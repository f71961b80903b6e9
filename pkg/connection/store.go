package connection

import (
	"encoding/json"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/registry"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/zk"
	"github.com/golang/glog"
	"os"
	"sort"
	"strings"
	"sync"
)

const EnvPrefix = "PIPELINES_CONN_"

type MemoryStore struct {
	lock        sync.RWMutex
	connections map[string]Connection
}

func NewMemoryStore(list ...Connection) *MemoryStore {
	s := &MemoryStore{connections: map[string]Connection{}}
	for _, c := range list {
		s.Put(c)
	}
	return s
}

func (this *MemoryStore) Put(c Connection) {
	this.lock.Lock()
	defer this.lock.Unlock()
	this.connections[c.Id] = c
}

func (this *MemoryStore) Get(id string) (*Connection, error) {
	this.lock.RLock()
	defer this.lock.RUnlock()
	c, has := this.connections[id]
	if !has {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (this *MemoryStore) Ids() []string {
	this.lock.RLock()
	defer this.lock.RUnlock()
	ids := []string{}
	for id := range this.connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EnvStore reads PIPELINES_CONN_<ID> uris from the environment.
type EnvStore struct {
	Getenv func(string) string
}

func (this EnvStore) Get(id string) (*Connection, error) {
	getenv := this.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	uri := getenv(EnvPrefix + strings.ToUpper(id))
	if uri == "" {
		return nil, ErrNotFound
	}
	return Parse(id, uri)
}

// ZkStore reads json connection documents stored at <root>/<id>.  The node value
// may be an env:// pointer to another node.
type ZkStore struct {
	Zk   zk.ZK
	Root registry.Path
}

func (this ZkStore) Get(id string) (*Connection, error) {
	n, err := zk.Follow(this.Zk, this.Root.Sub(id))
	switch {
	case err == zk.ErrNotExist:
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}
	conn := new(Connection)
	if err := json.Unmarshal(n.GetValue(), conn); err != nil {
		return nil, err
	}
	if conn.Id == "" {
		conn.Id = id
	}
	return conn, nil
}

func (this ZkStore) Put(c Connection) error {
	return zk.CreateOrSet(this.Zk, this.Root.Sub(c.Id), c)
}

// Chain looks the connection up in each store in turn.
type Chain []Store

func (this Chain) Get(id string) (*Connection, error) {
	for _, s := range this {
		c, err := s.Get(id)
		switch {
		case err == nil:
			return c, nil
		case err == ErrNotFound:
			continue
		default:
			glog.Warningln("Connection lookup failed:", id, "Err=", err)
			return nil, err
		}
	}
	return nil, ErrNotFound
}
