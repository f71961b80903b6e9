package zk

import (
	"errors"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/registry"
	"github.com/golang/glog"
	"github.com/samuel/go-zookeeper/zk"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotConnected = errors.New("zk-not-initialized")
	ErrNotExist     = zk.ErrNoNode
	ErrConflict     = errors.New("error-conflict")
)

// ZK is the subset of zookeeper used to keep run state and connection profiles.
type ZK interface {
	Close() error
	Create(string, []byte) (*Node, error)
	Get(string) (*Node, error)
	Children(string) ([]string, error)
	Delete(string) error
}

type zookeeper struct {
	conn    *zk.Conn
	servers []string
	timeout time.Duration
}

func Connect(servers []string, timeout time.Duration) (*zookeeper, error) {
	conn, events, err := zk.Connect(servers, timeout)
	if err != nil {
		return nil, err
	}
	go func() {
		for evt := range events {
			glog.V(100).Infoln("zk event:", evt.Type, "state=", evt.State, "path=", evt.Path)
		}
	}()
	glog.Infoln("Connected to zk:", servers)
	return &zookeeper{
		conn:    conn,
		servers: servers,
		timeout: timeout,
	}, nil
}

func (this *zookeeper) check() error {
	if this.conn == nil {
		return ErrNotConnected
	}
	return nil
}

func (this *zookeeper) Close() error {
	if this.conn != nil {
		this.conn.Close()
		this.conn = nil
	}
	return nil
}

func (this *zookeeper) Delete(path string) error {
	if err := this.check(); err != nil {
		return err
	}
	return filter_err(this.conn.Delete(path, -1))
}

func (this *zookeeper) Get(path string) (*Node, error) {
	if err := this.check(); err != nil {
		return nil, err
	}
	value, stats, err := this.conn.Get(path)
	if err != nil {
		return nil, filter_err(err)
	}
	return &Node{Path: path, Value: value, Stats: stats, zk: this}, nil
}

func (this *zookeeper) Children(path string) ([]string, error) {
	if err := this.check(); err != nil {
		return nil, err
	}
	children, _, err := this.conn.Children(path)
	if err != nil {
		return nil, filter_err(err)
	}
	sort.Strings(children)
	return children, nil
}

func (this *zookeeper) Create(path string, value []byte) (*Node, error) {
	if err := this.check(); err != nil {
		return nil, err
	}
	if err := this.build_parents(path); err != nil {
		return nil, err
	}
	acl := zk.WorldACL(zk.PermAll)
	p, err := this.conn.Create(path, value, 0, acl)
	if err != nil {
		return nil, err
	}
	return this.Get(p)
}

func get_targets(path string) []string {
	p := path
	if p[0:1] != "/" {
		p = "/" + path // Must begin with /
	}
	t := []string{}
	root := ""
	for _, x := range strings.Split(p, "/")[1:] {
		root = root + "/" + x
		t = append(t, root)
	}
	return t
}

func (this *zookeeper) build_parents(path string) error {
	dir := registry.Path(path).Parent().Path()
	if dir == "." || dir == "/" {
		return nil
	}
	for _, p := range get_targets(dir) {
		exists, _, err := this.conn.Exists(p)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		_, err = this.conn.Create(p, []byte{}, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return err
		}
	}
	return nil
}

func filter_err(err error) error {
	switch {
	case err == zk.ErrNoNode:
		return ErrNotExist
	case err == zk.ErrBadVersion:
		return ErrConflict
	default:
		return err
	}
}
