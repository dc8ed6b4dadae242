// Package sysinfo describes the local host: the default node alias, the
// build version, process uptime and the interface addresses peers see.
package sysinfo

import (
	"net"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// FallbackAlias is used when the hostname is unavailable.
const FallbackAlias = "groupcast"

var (
	// Version is the node version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/groupcast/internal/sysinfo.Version=v1.0.0"
	Version = "dev"

	// startTime is when the process started.
	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// enhanceDevVersion tags development builds with the VCS revision when the
// binary carries build info.
func enhanceDevVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev-unknown"
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}

	if revision == "" {
		return "dev-" + startTime.UTC().Format("20060102-150405")
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if dirty {
		revision += "-dirty"
	}
	return "dev-" + revision
}

// Hostname returns the short host name, or "" if it is unavailable.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name
}

// DefaultAlias returns the alias announced when none is configured.
func DefaultAlias() string {
	if name := Hostname(); name != "" {
		return name
	}
	return FallbackAlias
}

// IPv6Addrs returns the non-loopback IPv6 addresses of iface, or of every
// interface when iface is empty.
func IPv6Addrs(iface string) []string {
	var addrs []net.Addr
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return nil
		}
		if addrs, err = ifi.Addrs(); err != nil {
			return nil
		}
	} else {
		var err error
		if addrs, err = net.InterfaceAddrs(); err != nil {
			return nil
		}
	}

	var ips []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() != nil {
			continue
		}
		ips = append(ips, ipNet.IP.String())
	}

	// Limit to the first 10 addresses
	if len(ips) > 10 {
		ips = ips[:10]
	}
	return ips
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the process uptime.
func Uptime() time.Duration {
	return time.Since(startTime)
}
