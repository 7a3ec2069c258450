package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Status values used in every protocol response.
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// HostInfo is the host metadata a Wraith reports during a handshake.
type HostInfo struct {
	Arch       string `json:"arch"`
	Hostname   string `json:"hostname"`
	OSType     string `json:"osType"`
	OSVersion  string `json:"osVersion"`
	ReportedIP string `json:"reportedIP"`
}

// WraithInfo is the runtime metadata a Wraith reports during a handshake.
type WraithInfo struct {
	Version     string            `json:"version"`
	StartTime   int64             `json:"startTime"`
	Plugins     []string          `json:"plugins"`
	Env         map[string]string `json:"env"`
	Pid         int               `json:"pid"`
	Ppid        int               `json:"ppid"`
	RunningUser string            `json:"runningUser"`
}

// CommandResult is a single command outcome reported back by a Wraith.
type CommandResult struct {
	CommandID string `json:"commandID"`
	Result    string `json:"result"`
}

// Command is a queued work item as delivered to a Wraith.
type Command struct {
	CommandID string   `json:"commandID"`
	Name      string   `json:"name"`
	Params    []string `json:"params"`
	IssuedAt  int64    `json:"issuedAt"`
}

// fingerprintSep joins host attributes unambiguously. A printable delimiter
// like "-" would let ("ab","c") and ("a","bc") collide once concatenated; the
// unit separator control byte cannot appear in any of the attributes.
const fingerprintSep = "\x1f"

// Fingerprint derives the stable identifier used to recognise repeat
// connections from the same host. Only attributes that survive a process
// restart participate.
func Fingerprint(arch, hostname, osType, runningUser string) string {
	joined := strings.Join([]string{arch, hostname, osType, runningUser}, fingerprintSep)
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}
