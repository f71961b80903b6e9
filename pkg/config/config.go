// Package config reads the pipelines' yaml configuration.
package config

import (
	"errors"
	"fmt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/connection"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/dags"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/pubsub"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/registry"
	"gopkg.in/yaml.v3"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	ErrBadBackend = errors.New("bad-backend")
	ErrNoZkHosts  = errors.New("no-zk-hosts")
	ErrBadZkRoot  = errors.New("bad-zk-root")
)

const (
	BackendMemory = "memory"
	BackendZk     = "zk"
	BackendSlack  = "slack"
	BackendTopic  = "topic"
	BackendLog    = "log"

	EnvZkHosts = "ZK_HOSTS"
)

type Zk struct {
	Hosts   []string      `yaml:"hosts,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// Connections are also looked up under this path when set.
	Connections registry.Path `yaml:"connections_root,omitempty"`
}

type XCom struct {
	Backend string        `yaml:"backend,omitempty"`
	Root    registry.Path `yaml:"root,omitempty"`
}

type Notify struct {
	Backend string       `yaml:"backend,omitempty"`
	Topic   pubsub.Topic `yaml:"topic,omitempty"`
}

type Config struct {
	Imports     []string                `yaml:"imports,omitempty"`
	Connections []connection.Connection `yaml:"connections,omitempty"`
	Zk          Zk                      `yaml:"zk,omitempty"`
	XCom        XCom                    `yaml:"xcom,omitempty"`
	Notify      Notify                  `yaml:"notify,omitempty"`
	LogTopic    pubsub.Topic            `yaml:"log_topic,omitempty"`
	Stock       dags.Options            `yaml:"stock,omitempty"`
}

func Default() *Config {
	return &Config{
		Zk:     Zk{Timeout: time.Second},
		XCom:   XCom{Backend: BackendMemory, Root: "/pipelines/xcom"},
		Notify: Notify{Backend: BackendSlack},
		Stock:  dags.DefaultOptions(),
	}
}

func (this *Config) String() string {
	buff, err := yaml.Marshal(this)
	if err != nil {
		return err.Error()
	}
	return string(buff)
}

// LoadFromFile reads the file over the defaults.  ${NAME} references to set
// environment variables are expanded, and imported files are read first so
// the importing file wins.
func LoadFromFile(filename string) (*Config, error) {
	c := Default()
	if err := c.load_file(filename, map[string]bool{}); err != nil {
		return nil, err
	}
	return c, c.finish()
}

func LoadFromBytes(buff []byte) (*Config, error) {
	c := Default()
	if err := c.load_bytes(buff, ".", map[string]bool{}); err != nil {
		return nil, err
	}
	return c, c.finish()
}

func (this *Config) load_file(filename string, seen map[string]bool) error {
	abs, err := filepath.Abs(filename)
	if err != nil {
		return err
	}
	if seen[abs] {
		return fmt.Errorf("import loop at %s", filename)
	}
	seen[abs] = true
	buff, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return this.load_bytes(buff, filepath.Dir(filename), seen)
}

func (this *Config) load_bytes(buff []byte, dir string, seen map[string]bool) error {
	expanded := expand_env(buff)

	// Imports are read first so this document overrides them.
	head := struct {
		Imports []string `yaml:"imports"`
	}{}
	if err := yaml.Unmarshal(expanded, &head); err != nil {
		return err
	}
	for _, imp := range head.Imports {
		if !filepath.IsAbs(imp) {
			imp = filepath.Join(dir, imp)
		}
		if err := this.load_file(imp, seen); err != nil {
			return fmt.Errorf("import %s: %w", imp, err)
		}
	}

	imported := this.Connections
	this.Connections = nil
	if err := yaml.Unmarshal(expanded, this); err != nil {
		return err
	}
	this.Connections = merge_connections(imported, this.Connections)
	return nil
}

var env_ref = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expand_env substitutes ${NAME} for set variables only.  Bare $ and unset
// references are kept as written, so secrets like "pa$$word" survive.
func expand_env(buff []byte) []byte {
	return env_ref.ReplaceAllFunc(buff, func(ref []byte) []byte {
		if v, has := os.LookupEnv(string(ref[2 : len(ref)-1])); has {
			return []byte(v)
		}
		return ref
	})
}

func merge_connections(base, over []connection.Connection) []connection.Connection {
	out := []connection.Connection{}
	index := map[string]int{}
	for _, list := range [][]connection.Connection{base, over} {
		for _, c := range list {
			if i, has := index[c.Id]; has {
				out[i] = c
				continue
			}
			index[c.Id] = len(out)
			out = append(out, c)
		}
	}
	return out
}

func (this *Config) finish() error {
	if hosts := os.Getenv(EnvZkHosts); hosts != "" {
		this.Zk.Hosts = strings.Split(hosts, ",")
	}
	if this.Zk.Timeout == 0 {
		this.Zk.Timeout = time.Second
	}
	switch this.XCom.Backend {
	case "":
		this.XCom.Backend = BackendMemory
	case BackendMemory:
	case BackendZk:
		if len(this.Zk.Hosts) == 0 {
			return fmt.Errorf("xcom in zk: %w", ErrNoZkHosts)
		}
	default:
		return fmt.Errorf("xcom %q: %w", this.XCom.Backend, ErrBadBackend)
	}
	if this.XCom.Backend == BackendZk && !this.XCom.Root.Valid() {
		return fmt.Errorf("xcom root %q: %w", this.XCom.Root, ErrBadZkRoot)
	}
	if this.Zk.Connections != "" && !this.Zk.Connections.Valid() {
		return fmt.Errorf("connections root %q: %w", this.Zk.Connections, ErrBadZkRoot)
	}
	switch this.Notify.Backend {
	case "":
		this.Notify.Backend = BackendSlack
	case BackendSlack, BackendLog:
	case BackendTopic:
		if !this.Notify.Topic.Valid() {
			return fmt.Errorf("notify topic %q: %w", this.Notify.Topic, pubsub.ErrBadTopic)
		}
	default:
		return fmt.Errorf("notify %q: %w", this.Notify.Backend, ErrBadBackend)
	}
	if this.LogTopic != "" && !this.LogTopic.Valid() {
		return fmt.Errorf("log topic %q: %w", this.LogTopic, pubsub.ErrBadTopic)
	}
	for _, c := range this.Connections {
		if c.Id == "" {
			return fmt.Errorf("connection without conn_id: %s", c.String())
		}
	}
	return nil
}

// UsesZk is true when something is kept in or read from zookeeper.
func (this *Config) UsesZk() bool {
	return this.XCom.Backend == BackendZk || (len(this.Zk.Hosts) > 0 && this.Zk.Connections != "")
}
