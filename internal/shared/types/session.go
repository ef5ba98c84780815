package types

import "time"

// Protocol is the wire dialect spoken by a protocol session.
type Protocol string

const (
	ProtocolLSP Protocol = "lsp"
	ProtocolDAP Protocol = "dap"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	return p == ProtocolLSP || p == ProtocolDAP
}

// Session describes a running protocol session.
type Session struct {
	SessionID        string         `json:"sessionId"`
	Protocol         Protocol       `json:"protocol"`
	WindowID         string         `json:"windowId"`
	ExtensionID      string         `json:"extensionId"`
	PID              int            `json:"pid"`
	Command          string         `json:"command"`
	Args             []string       `json:"args,omitempty"`
	Cwd              string         `json:"cwd"`
	Languages        []string       `json:"languages,omitempty"`
	DocumentVersions map[string]int `json:"documentVersions,omitempty"`
	StartedAt        time.Time      `json:"startedAt"`
}

// SessionStats is a point-in-time resource sample of a session process.
type SessionStats struct {
	SessionID  string  `json:"sessionId"`
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
}
