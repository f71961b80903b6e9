package zk

import (
	"github.com/golang/glog"
	"os"
	"strings"
)

// ZkHosts returns the servers listed in ZK_HOSTS, or nil when unset.
func ZkHosts() []string {
	list := os.Getenv("ZK_HOSTS")
	if len(list) == 0 {
		return nil
	}
	servers := strings.Split(list, ",")
	glog.Infoln("ZK_HOSTS = ", servers)
	return servers
}
