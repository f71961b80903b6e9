package dag

import (
	"fmt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/pubsub"
	"github.com/golang/glog"
	"io"
	"runtime"
	"strings"
)

// logger writes run status to glog, and to the run's log topic when there is one.
type logger struct {
	prefix string
	topic  pubsub.Topic
	pub    pubsub.PubSub
	out    io.Writer
}

func new_logger(prefix string, topic pubsub.Topic, id string) *logger {
	l := &logger{prefix: prefix}
	if !topic.Valid() {
		return l
	}
	c, err := topic.Broker().PubSub(id)
	if err != nil {
		glog.Warningln("Cannot publish:", topic.String(), "Err=", err)
		return l
	}
	l.topic = topic
	l.pub = c
	l.out = pubsub.GetWriter(topic, c)
	return l
}

func (this *logger) Log(m ...interface{}) {
	if len(m) == 0 {
		return
	}
	source := ""
	if _, file, line, ok := runtime.Caller(1); ok {
		source = fmt.Sprintf("%s:%d", file[strings.LastIndex(file, "/")+1:], line)
	}
	msg := strings.TrimSpace(fmt.Sprintln(m...))
	glog.Infoln(source, this.prefix, msg)
	if this.out != nil {
		if _, err := io.WriteString(this.out, this.prefix+" "+msg); err != nil {
			glog.Warningln("Cannot publish:", this.topic.String(), "Err=", err)
		}
	}
}

func (this *logger) Close() {
	if this.pub != nil {
		this.pub.Close()
	}
}
