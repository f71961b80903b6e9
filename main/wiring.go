package main

import (
	"fmt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/config"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/connection"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/dag"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/dags"
	_ "github.com/Ekosetiawan993/airflow-course-1/pkg/mqtt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/notify"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/scheduler"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/xcom"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/zk"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"os"
	"sort"
	"strings"
)

type env struct {
	conf      *config.Config
	zk        zk.ZK
	conns     connection.Store
	runner    *dag.Runner
	scheduler *scheduler.Scheduler
	closers   []func()
}

func build(conf *config.Config) (*env, error) {
	this := &env{conf: conf}
	if conf.UsesZk() {
		z, err := zk.Connect(conf.Zk.Hosts, conf.Zk.Timeout)
		if err != nil {
			return nil, fmt.Errorf("zookeeper %v: %w", conf.Zk.Hosts, err)
		}
		this.zk = z
		this.closers = append(this.closers, func() { z.Close() })
	}

	chain := connection.Chain{connection.EnvStore{}, connection.NewMemoryStore(conf.Connections...)}
	if this.zk != nil && conf.Zk.Connections != "" {
		chain = append(chain, connection.ZkStore{Zk: this.zk, Root: conf.Zk.Connections})
	}
	this.conns = chain

	var store xcom.Store = xcom.NewMemoryStore()
	if conf.XCom.Backend == config.BackendZk {
		store = &xcom.ZkStore{Zk: this.zk, Root: conf.XCom.Root}
	}

	notifier, err := this.notifier()
	if err != nil {
		this.Close()
		return nil, err
	}
	opts := conf.Stock
	opts.Notifier = notifier

	this.runner = &dag.Runner{XCom: store, Connections: this.conns, LogTopic: conf.LogTopic}
	this.scheduler = scheduler.New(this.runner)
	all := dags.All(opts)
	ids := []string{}
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := this.scheduler.Add(all[id]); err != nil {
			this.Close()
			return nil, err
		}
	}
	return this, nil
}

func (this *env) notifier() (notify.Notifier, error) {
	switch this.conf.Notify.Backend {
	case config.BackendTopic:
		ps, err := this.conf.Notify.Topic.Broker().PubSub(uuid.New().String())
		if err != nil {
			return nil, err
		}
		this.closers = append(this.closers, ps.Close)
		return &notify.Topic{Topic: this.conf.Notify.Topic, Publisher: ps}, nil
	case config.BackendSlack:
		conn, err := this.conns.Get(dags.SlackConn)
		if err == connection.ErrNotFound {
			glog.Warningln("No", dags.SlackConn, "connection. Notifications go to the log.")
			return notify.Log{}, nil
		}
		if err != nil {
			return nil, err
		}
		return notify.NewSlack(conn)
	}
	return notify.Log{}, nil
}

func (this *env) Close() {
	for i := len(this.closers) - 1; i >= 0; i-- {
		this.closers[i]()
	}
	this.closers = nil
}

// connection_ids lists the connections named in the config and in the
// environment.
func (this *env) connection_ids() []string {
	seen := map[string]bool{}
	for _, c := range this.conf.Connections {
		seen[c.Id] = true
	}
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, connection.EnvPrefix) {
			continue
		}
		name := kv[len(connection.EnvPrefix):]
		if i := strings.Index(name, "="); i > 0 {
			seen[strings.ToLower(name[0:i])] = true
		}
	}
	ids := []string{}
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
