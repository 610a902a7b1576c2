// Package lock implements ports.DistributedLock in process memory and as a
// lease row in the SQL store.
package lock

import (
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DefaultOwner identifies this process as user@host:pid.
func DefaultOwner() string {
	host, _ := os.Hostname()
	host = strings.TrimSpace(host)
	if host == "" {
		host = "unknown-host"
	}
	pid := os.Getpid()

	u, _ := user.Current()
	if u != nil && strings.TrimSpace(u.Username) != "" {
		return strings.TrimSpace(u.Username) + "@" + host + ":" + strconv.Itoa(pid)
	}
	return host + ":" + strconv.Itoa(pid)
}

// holderToken distinguishes handles taken by the same process.
func holderToken(owner string) string {
	return owner + "/" + uuid.NewString()
}
