package pubsub

import (
	"sync"
)

// In-process broker for topics of the form local://name/path.  Messages are
// delivered to subscribers of the same broker name and path.
func init() {
	Register("local", func(id, addr string, options ...interface{}) (PubSub, error) {
		return local_broker(addr), nil
	})
}

type local struct {
	lock        sync.Mutex
	subscribers map[string][]chan []byte
}

var (
	locals_lock sync.Mutex
	locals      = map[string]*local{}
)

func local_broker(name string) *local {
	locals_lock.Lock()
	defer locals_lock.Unlock()
	if l, has := locals[name]; has {
		return l
	}
	l := &local{subscribers: map[string][]chan []byte{}}
	locals[name] = l
	return l
}

func (this *local) Publish(topic Topic, message []byte) error {
	if topic.Protocol() != "local" {
		return ErrNotSupportedProtocol
	}
	this.lock.Lock()
	subs := append([]chan []byte{}, this.subscribers[topic.Path()]...)
	this.lock.Unlock()
	for _, s := range subs {
		select {
		case s <- message:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

func (this *local) Subscribe(topic Topic) (<-chan []byte, error) {
	if topic.Protocol() != "local" {
		return nil, ErrNotSupportedProtocol
	}
	out := make(chan []byte, 64)
	this.lock.Lock()
	this.subscribers[topic.Path()] = append(this.subscribers[topic.Path()], out)
	this.lock.Unlock()
	return out, nil
}

func (this *local) Close() {}
