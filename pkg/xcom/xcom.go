// Package xcom keeps the values tasks hand to their downstream tasks within a
// single dag run.
package xcom

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

const ReturnValue = "return_value"

var (
	ErrNotFound = errors.New("xcom-not-found")
)

type Key struct {
	DagId  string
	RunId  string
	TaskId string
	Name   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.DagId, k.RunId, k.TaskId, k.Name)
}

type Store interface {
	Push(key Key, value interface{}) error
	// Pull returns the raw json document pushed for the key.
	Pull(key Key) ([]byte, error)
	Clear(dagId, runId string) error
}

// Decode unmarshals a pulled document into out.
func Decode(raw []byte, out interface{}) error {
	return json.Unmarshal(raw, out)
}

// String renders a pulled document the way it is substituted into templates:
// json strings without quotes, everything else as json.
func String(raw []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

func encode(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("xcom: invalid raw json")
		}
		return v, nil
	default:
		return json.Marshal(value)
	}
}

type MemoryStore struct {
	lock   sync.RWMutex
	values map[Key][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[Key][]byte{}}
}

func (this *MemoryStore) Push(key Key, value interface{}) error {
	buff, err := encode(value)
	if err != nil {
		return err
	}
	this.lock.Lock()
	defer this.lock.Unlock()
	this.values[key] = buff
	return nil
}

func (this *MemoryStore) Pull(key Key) ([]byte, error) {
	this.lock.RLock()
	defer this.lock.RUnlock()
	v, has := this.values[key]
	if !has {
		return nil, ErrNotFound
	}
	return v, nil
}

func (this *MemoryStore) Clear(dagId, runId string) error {
	this.lock.Lock()
	defer this.lock.Unlock()
	for k := range this.values {
		if k.DagId == dagId && k.RunId == runId {
			delete(this.values, k)
		}
	}
	return nil
}
