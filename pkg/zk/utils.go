package zk

import (
	"encoding/json"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/registry"
	"strings"
)

const pointer_prefix = "env://"

// Follow returns the node at key, following env:// pointer values.
func Follow(zc ZK, key registry.Path) (*Node, error) {
	n, err := zc.Get(key.Path())
	if err != nil {
		return nil, err
	}
	if strings.Index(n.GetValueString(), pointer_prefix) == 0 {
		next := n.GetValueString()[len(pointer_prefix):]
		return Follow(zc, registry.Path(next))
	}
	return n, nil
}

func CreateOrSet(zc ZK, key registry.Path, value interface{}) error {
	switch value := value.(type) {
	case string:
		return CreateOrSetString(zc, key, value)
	case []byte:
		return CreateOrSetBytes(zc, key, value)
	default:
		serialized, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return CreateOrSetBytes(zc, key, serialized)
	}
}

func CreateOrSetString(zc ZK, key registry.Path, value string) error {
	return CreateOrSetBytes(zc, key, []byte(value))
}

func CreateOrSetBytes(zc ZK, key registry.Path, value []byte) error {
	n, err := zc.Get(key.Path())
	switch {
	case err == ErrNotExist:
		_, err = zc.Create(key.Path(), value)
		return err
	case err != nil:
		return err
	}
	return n.Set(value)
}

func DeleteObject(zc ZK, key registry.Path) error {
	err := zc.Delete(key.Path())
	if err == ErrNotExist {
		return nil
	}
	return err
}

// DeleteRecursive removes key and everything under it.
func DeleteRecursive(zc ZK, key registry.Path) error {
	children, err := zc.Children(key.Path())
	switch {
	case err == ErrNotExist:
		return nil
	case err != nil:
		return err
	}
	for _, child := range children {
		if err := DeleteRecursive(zc, key.Sub(child)); err != nil {
			return err
		}
	}
	return DeleteObject(zc, key)
}
