// Package hostinfo gathers the host and process attributes a Wraith reports
// during its handshake.
package hostinfo

import (
	"net"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strings"
	"time"

	"github.com/wraith-labs/wraith/pkg/wire"
)

// Version is the agent build version stamped at link time.
var Version = "dev"

// Collect returns the handshake payload for this host and process. Every
// field degrades to a placeholder rather than failing: a Wraith on a locked
// down host must still be able to register.
func Collect() (wire.HostInfo, wire.WraithInfo) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "(UNKNOWN)"
	}

	host := wire.HostInfo{
		Arch:       runtime.GOARCH,
		Hostname:   hostname,
		OSType:     runtime.GOOS,
		OSVersion:  osVersion(),
		ReportedIP: outboundIP(),
	}

	info := wire.WraithInfo{
		Version:     Version,
		StartTime:   time.Now().Unix(),
		Plugins:     []string{},
		Env:         selectedEnv(),
		Pid:         os.Getpid(),
		Ppid:        os.Getppid(),
		RunningUser: runningUser(),
	}
	return host, info
}

func osVersion() string {
	out, err := exec.Command("uname", "-r").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

// outboundIP resolves the local address the host would use for outbound
// traffic. No packets are sent; the dial just selects a route.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "unknown"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "unknown"
	}
	return addr.IP.String()
}

func runningUser() string {
	u, err := user.Current()
	if err != nil {
		return "(UNKNOWN)"
	}
	return u.Username
}

// selectedEnv reports a small allow-listed slice of the environment; shipping
// the whole environment would leak operator secrets into the registry.
func selectedEnv() map[string]string {
	env := make(map[string]string)
	for _, key := range []string{"LANG", "SHELL", "TERM"} {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env
}
