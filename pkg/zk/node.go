package zk

import (
	"github.com/samuel/go-zookeeper/zk"
)

type Node struct {
	Path  string
	Value []byte
	Stats *zk.Stat
	zk    *zookeeper
}

func (z *Node) GetValue() []byte {
	return z.Value
}

func (z *Node) GetValueString() string {
	return string(z.Value)
}

// Set writes the value conditioned on the version last read.
func (this *Node) Set(value []byte) error {
	if err := this.zk.check(); err != nil {
		return err
	}
	version := int32(-1)
	if this.Stats != nil {
		version = this.Stats.Version
	}
	s, err := this.zk.conn.Set(this.Path, value, version)
	if err != nil {
		return filter_err(err)
	}
	this.Value = value
	this.Stats = s
	return nil
}
