// Package notify posts short run notifications to chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/connection"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/dag"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/pubsub"
	"github.com/golang/glog"
	"github.com/slack-go/slack"
	"strings"
)

var (
	ErrNoToken   = errors.New("no-slack-token")
	ErrNoChannel = errors.New("no-channel")
)

type Message struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

type Slack struct {
	client *slack.Client
}

// NewSlack takes the bot token from the connection's password and an optional
// api url from its host.
func NewSlack(conn *connection.Connection) (*Slack, error) {
	if conn.Password == "" {
		return nil, fmt.Errorf("%s: %w", conn.Id, ErrNoToken)
	}
	options := []slack.Option{}
	if conn.Host != "" {
		api := conn.Host
		if !strings.HasPrefix(api, "http://") && !strings.HasPrefix(api, "https://") {
			api = "https://" + api
		}
		if !strings.HasSuffix(api, "/") {
			api = api + "/"
		}
		options = append(options, slack.OptionAPIURL(api))
	}
	return &Slack{client: slack.New(conn.Password, options...)}, nil
}

func (this *Slack) Notify(ctx context.Context, m Message) error {
	if m.Channel == "" {
		return ErrNoChannel
	}
	channel, ts, err := this.client.PostMessageContext(ctx, m.Channel, slack.MsgOptionText(m.Text, false))
	if err != nil {
		return err
	}
	glog.V(10).Infoln("Posted to", channel, "ts=", ts)
	return nil
}

// Topic publishes the message text to <topic>/<channel>.
type Topic struct {
	Topic     pubsub.Topic
	Publisher pubsub.Publisher
}

func (this *Topic) Notify(ctx context.Context, m Message) error {
	if m.Channel == "" {
		return ErrNoChannel
	}
	return this.Publisher.Publish(this.Topic.Sub(m.Channel), []byte(m.Text))
}

// Log only writes the message to the log.
type Log struct{}

func (this Log) Notify(ctx context.Context, m Message) error {
	glog.Infoln("Notify", m.Channel, ":", m.Text)
	return nil
}

// Callback sends a fixed text to channel when invoked after a dag run.
func Callback(notifier Notifier, channel, text string) dag.Callback {
	return dag.CallbackFunc(func(ctx context.Context, run *dag.DagRun) error {
		return notifier.Notify(ctx, Message{Channel: channel, Text: text})
	})
}
