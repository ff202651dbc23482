package api

import "time"

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	StartedAt     time.Time `json:"startedAt"`
	Uptime        string    `json:"uptime"`
	Connections   int       `json:"connections"`
	BytesReceived uint64    `json:"bytesReceived"`
	BytesSent     uint64    `json:"bytesSent"`
	Banned        int       `json:"banned"`
}

// ConnectionInfo describes an open pipe connection.
type ConnectionInfo struct {
	ID        uint64    `json:"id"`
	Remote    string    `json:"remote"`
	Pipe      string    `json:"pipe"`
	State     string    `json:"state"`
	Mechanism string    `json:"mechanism"`
	User      string    `json:"user,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	Since     time.Time `json:"since"`
}

// InterfaceInfo describes a registered command table.
type InterfaceInfo struct {
	Pipe           string   `json:"pipe"`
	ServerName     string   `json:"serverName"`
	AbstractSyntax string   `json:"abstractSyntax"`
	TransferSyntax string   `json:"transferSyntax"`
	RequireAuth    bool     `json:"requireAuth"`
	Operations     []string `json:"operations"`
}

// SessionKeyRequest is the body of PUT /schannel/:computer.
type SessionKeyRequest struct {
	Key string `json:"key"` // hex
}
