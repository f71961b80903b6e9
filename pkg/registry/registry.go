package registry

import (
	"path"
	"strings"
)

type Path string

func (p Path) Path() string {
	return string(p)
}

func (p Path) Valid() bool {
	return len(p) > 0 && strings.Index(string(p), "/") == 0
}

// Sub appends the children segments.  Empty segments are dropped.
func (p Path) Sub(children ...string) Path {
	parts := []string{string(p)}
	for _, c := range children {
		if c != "" {
			parts = append(parts, c)
		}
	}
	return Path(path.Join(parts...))
}

func (p Path) Parent() Path {
	return Path(path.Dir(string(p)))
}
