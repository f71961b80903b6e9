package mqtt

import (
	"errors"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/pubsub"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
	"sync"
	"time"
)

var (
	ErrConnect = errors.New("error-connect")
)

const QOS_ZERO = 0

func init() {
	pubsub.Register("mqtt", func(id, addr string, options ...interface{}) (pubsub.PubSub, error) {
		c, err := Connect(id, addr, options...)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

type ClientOptions struct {
	KeepAlive            time.Duration `json:"keep_alive_interval,omitempty" yaml:"keep_alive_interval,omitempty"`
	MaxReconnectInterval time.Duration `json:"max_reconnect_interval,omitempty" yaml:"max_reconnect_interval,omitempty"`
	AutoReconnect        bool          `json:"auto_reconnect" yaml:"auto_reconnect"`
	Username             string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password             string        `json:"password,omitempty" yaml:"password,omitempty"`
}

type Client struct {
	BrokerAddr       string        `json:"broker_addr"`
	ClientId         string        `json:"client_id"`
	QoS              byte          `json:"qos"`
	PublishTimeout   time.Duration `json:"publish_timeout"`
	SubscribeTimeout time.Duration `json:"subscribe_timeout"`
	client           MQTT.Client

	lock   sync.Mutex
	topics map[string]chan []byte
}

func apply_options(opts *MQTT.ClientOptions, options ...interface{}) {
	if len(options) == 0 {
		return
	}
	var clientOptions *ClientOptions
	switch o := options[0].(type) {
	case *ClientOptions:
		clientOptions = o
	case ClientOptions:
		clientOptions = &o
	}
	if clientOptions == nil {
		return
	}
	opts.SetAutoReconnect(clientOptions.AutoReconnect)
	if clientOptions.MaxReconnectInterval.Seconds() > 0 {
		opts.SetMaxReconnectInterval(clientOptions.MaxReconnectInterval)
	}
	if clientOptions.KeepAlive.Seconds() > 0 {
		opts.SetKeepAlive(clientOptions.KeepAlive)
	}
	if clientOptions.Username != "" {
		opts.SetUsername(clientOptions.Username)
		opts.SetPassword(clientOptions.Password)
	}
}

func Connect(id, addr string, options ...interface{}) (*Client, error) {
	c := &Client{
		QoS:              QOS_ZERO,
		BrokerAddr:       addr,
		ClientId:         id,
		PublishTimeout:   time.Second * 1,
		SubscribeTimeout: time.Second * 1,
		topics:           map[string]chan []byte{},
	}

	opts := MQTT.NewClientOptions().AddBroker("tcp://" + addr).SetClientID(id)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(10 * time.Minute)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetConnectionLostHandler(func(cl MQTT.Client, err error) {
		glog.Warningln("MQTT CONNECTION LOST", addr, "Err=", err)
	})
	opts.SetOnConnectHandler(func(cl MQTT.Client) {
		glog.Infoln("MQTT CONNECTED", addr)
		c.resubscribe(cl)
	})
	apply_options(opts, options...)

	c.client = MQTT.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, ErrConnect
	}
	if token.Error() != nil {
		return nil, token.Error()
	}
	return c, nil
}

func (this *Client) resubscribe(cl MQTT.Client) {
	this.lock.Lock()
	defer this.lock.Unlock()
	for topic, out := range this.topics {
		glog.Infoln("RESUBSCRIBE", topic, "QoS=", this.QoS)
		out := out
		token := cl.Subscribe(topic, this.QoS, func(_ MQTT.Client, m MQTT.Message) {
			out <- m.Payload()
		})
		token.WaitTimeout(this.SubscribeTimeout)
		if token.Error() != nil {
			glog.Warningln("RE-SUBSCRIBE FAILED", "Topic=", topic, "Err=", token.Error())
		}
	}
}

func errNotSupportedProtocol(t pubsub.Topic) error {
	return errors.New("not-supported-protocol:" + string(t))
}

func (this *Client) Publish(topic pubsub.Topic, message []byte) error {
	if "mqtt" != topic.Protocol() {
		return errNotSupportedProtocol(topic)
	}
	token := this.client.Publish(topic.Path(), this.QoS, false, message)
	token.WaitTimeout(this.PublishTimeout)
	return token.Error()
}

func (this *Client) Subscribe(topic pubsub.Topic) (<-chan []byte, error) {
	if "mqtt" != topic.Protocol() {
		return nil, errNotSupportedProtocol(topic)
	}
	out := make(chan []byte)
	token := this.client.Subscribe(topic.Path(), this.QoS, func(_ MQTT.Client, m MQTT.Message) {
		out <- m.Payload()
	})
	token.WaitTimeout(this.SubscribeTimeout)
	if token.Error() != nil {
		return nil, token.Error()
	}

	this.lock.Lock()
	this.topics[topic.Path()] = out
	this.lock.Unlock()
	return out, nil
}

func (this *Client) Close() {
	this.client.Disconnect(250)
}
