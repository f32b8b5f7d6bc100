// Package cluster tells replicas of the service apart so that singleton work
// (cron sweeps, startup banners) runs on one of them.
package cluster

import (
	"os"
	"strconv"
	"strings"
)

// EnvInstance numbers replicas explicitly; 0 is the leader.
const EnvInstance = "DIYMOD_INSTANCE_ID"

// instanceKeys are checked in order; the first set one wins. pm2 and
// container orchestrators export the latter two.
var instanceKeys = []string{EnvInstance, "NODE_APP_INSTANCE", "pm_id"}

// Instance returns the replica index and whether one was configured.
func Instance() (int, bool) {
	return instanceFrom(os.Getenv)
}

func instanceFrom(getenv func(string) string) (int, bool) {
	for _, key := range instanceKeys {
		raw := strings.TrimSpace(getenv(key))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return -1, true
		}
		return v, true
	}
	return 0, false
}

// IsLeader reports whether this replica runs singleton work. A process with
// no instance index is alone and therefore the leader.
func IsLeader() bool {
	id, _ := Instance()
	return id == 0
}
