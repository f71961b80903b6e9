package mqtt

import (
	"fmt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/pubsub"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	. "gopkg.in/check.v1"
	"os"
	"testing"
	"time"
)

func TestMqtt(t *testing.T) { TestingT(t) }

type MqttTests struct {
	endpoint string
}

var _ = Suite(&MqttTests{})

func (suite *MqttTests) SetUpSuite(c *C) {
	suite.endpoint = os.Getenv("MQTT_BROKER")
}

func (suite *MqttTests) TestApplyOptions(c *C) {
	opts := MQTT.NewClientOptions()
	apply_options(opts, ClientOptions{
		KeepAlive:     30 * time.Second,
		AutoReconnect: false,
		Username:      "airflow",
		Password:      "airflow",
	})
	c.Assert(opts.AutoReconnect, Equals, false)
	c.Assert(opts.KeepAlive, Equals, int64(30))
	c.Assert(opts.Username, Equals, "airflow")

	// unknown option types are ignored
	opts = MQTT.NewClientOptions()
	apply_options(opts, "ignored")
	c.Assert(opts.Username, Equals, "")
}

func (suite *MqttTests) TestPublishSubscribe(c *C) {
	if suite.endpoint == "" {
		c.Skip("MQTT_BROKER not set")
	}
	topic := pubsub.Topic(fmt.Sprintf("mqtt://%s/pipelines-test/%d", suite.endpoint, time.Now().Unix()))
	cl, err := topic.Broker().PubSub("mqtt-test")
	c.Assert(err, Equals, nil)
	defer cl.Close()

	sub, err := cl.Subscribe(topic)
	c.Assert(err, Equals, nil)

	total := 5
	go func() {
		for i := 0; i < total; i++ {
			cl.Publish(topic, []byte(fmt.Sprintf("msg-%d", i)))
		}
	}()
	for i := 0; i < total; i++ {
		select {
		case m := <-sub:
			c.Log("message=", string(m))
		case <-time.After(5 * time.Second):
			c.Fatal("timed out")
		}
	}
}

func (suite *MqttTests) TestNotMqtt(c *C) {
	cl := &Client{}
	err := cl.Publish(pubsub.Topic("local://x/y"), nil)
	c.Assert(err, Not(Equals), nil)
}
