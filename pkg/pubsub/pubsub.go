package pubsub

import (
	"errors"
	"io"
	"strings"
	"sync"
)

var (
	ErrNotSupportedProtocol = errors.New("not-supported-protocol")
	ErrBadTopic             = errors.New("bad-topic")
)

// Topic is a url of the form protocol://broker/path, e.g. mqtt://localhost:1883/pipelines/log
type Topic string

type Broker struct {
	protocol string
	addr     string
}

type Publisher interface {
	Publish(topic Topic, message []byte) error
}

type Subscriber interface {
	Subscribe(topic Topic) (<-chan []byte, error)
}

type PubSub interface {
	Publisher
	Subscriber
	Close()
}

type Factory func(id, addr string, options ...interface{}) (PubSub, error)

var (
	factories_lock sync.Mutex
	factories      = map[string]Factory{}
)

func Register(protocol string, f Factory) {
	factories_lock.Lock()
	defer factories_lock.Unlock()
	factories[protocol] = f
}

func (t Topic) Valid() bool {
	return t.Protocol() != "" && t.Path() != ""
}

func (t Topic) Protocol() string {
	if i := strings.Index(string(t), "://"); i > 0 {
		return string(t)[0:i]
	}
	return ""
}

func (t Topic) rest() string {
	if i := strings.Index(string(t), "://"); i > 0 {
		return string(t)[i+3:]
	}
	return string(t)
}

// Path is the topic path without the broker address and leading slash.
func (t Topic) Path() string {
	rest := t.rest()
	if i := strings.Index(rest, "/"); i >= 0 {
		return strings.TrimLeft(rest[i:], "/")
	}
	return ""
}

func (t Topic) String() string {
	return t.rest()
}

func (t Topic) Sub(child string) Topic {
	return Topic(strings.TrimRight(string(t), "/") + "/" + strings.TrimLeft(child, "/"))
}

func (t Topic) Broker() Broker {
	rest := t.rest()
	addr := rest
	if i := strings.Index(rest, "/"); i >= 0 {
		addr = rest[0:i]
	}
	return Broker{protocol: t.Protocol(), addr: addr}
}

func (b Broker) Addr() string {
	return b.addr
}

// PubSub connects to the broker with the protocol's registered factory.
func (b Broker) PubSub(id string, options ...interface{}) (PubSub, error) {
	factories_lock.Lock()
	f, has := factories[b.protocol]
	factories_lock.Unlock()
	if !has {
		return nil, ErrNotSupportedProtocol
	}
	return f(id, b.addr, options...)
}

type writer struct {
	pub   Publisher
	topic Topic
}

func GetWriter(topic Topic, pub Publisher) io.Writer {
	return &writer{
		topic: topic,
		pub:   pub,
	}
}

func (this *writer) Write(p []byte) (n int, err error) {
	message := make([]byte, len(p))
	copy(message, p)
	if err := this.pub.Publish(this.topic, message); err != nil {
		return 0, err
	}
	return len(p), nil
}
