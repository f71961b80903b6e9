package zk

import (
	"encoding/json"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/registry"
	. "gopkg.in/check.v1"
	"testing"
	"time"
)

func TestUtils(t *testing.T) { TestingT(t) }

type TestSuiteUtils struct {
	zc ZK
}

var _ = Suite(&TestSuiteUtils{})

func (suite *TestSuiteUtils) SetUpSuite(c *C) {
	hosts := ZkHosts()
	if hosts == nil {
		c.Skip("ZK_HOSTS not set")
	}
	zc, err := Connect(hosts, 1*time.Second)
	c.Assert(err, Equals, nil)
	suite.zc = zc
}

func (suite *TestSuiteUtils) TearDownSuite(c *C) {
	if suite.zc != nil {
		DeleteRecursive(suite.zc, "/unit-test")
		suite.zc.Close()
	}
}

func (suite *TestSuiteUtils) TestFollow(c *C) {
	CreateOrSet(suite.zc, "/unit-test/follow/1", "found!")
	CreateOrSet(suite.zc, "/unit-test/follow/2", "env:///unit-test/follow/1")
	CreateOrSet(suite.zc, "/unit-test/follow/3", "env:///unit-test/follow/2")

	n, err := Follow(suite.zc, registry.Path("/unit-test/follow/3"))
	c.Assert(err, Equals, nil)
	c.Assert(n.GetValueString(), Equals, "found!")
}

func (suite *TestSuiteUtils) TestCreateOrSetObject(c *C) {
	key := registry.Path("/unit-test/object/stock")
	err := CreateOrSet(suite.zc, key, map[string]string{"symbol": "AAPL"})
	c.Assert(err, Equals, nil)
	err = CreateOrSet(suite.zc, key, map[string]string{"symbol": "MSFT"})
	c.Assert(err, Equals, nil)

	n, err := Follow(suite.zc, key)
	c.Assert(err, Equals, nil)
	out := map[string]string{}
	c.Assert(json.Unmarshal(n.GetValue(), &out), Equals, nil)
	c.Assert(out["symbol"], Equals, "MSFT")

	c.Assert(DeleteRecursive(suite.zc, "/unit-test/object"), Equals, nil)
	_, err = suite.zc.Get(key.Path())
	c.Assert(err, Equals, ErrNotExist)
}

type PathTests struct{}

var _ = Suite(&PathTests{})

func (suite *PathTests) TestGetTargets(c *C) {
	c.Assert(get_targets("/a/b/c"), DeepEquals, []string{"/a", "/a/b", "/a/b/c"})
	c.Assert(get_targets("a/b"), DeepEquals, []string{"/a", "/a/b"})
}

func (suite *PathTests) TestBuildParents(c *C) {
	z := &zookeeper{}
	// nothing to build, so the connection is never touched
	c.Assert(z.build_parents("/top"), Equals, nil)
	c.Assert(z.build_parents("top"), Equals, nil)
}
