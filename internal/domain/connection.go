package domain

import "time"

// ConnState is the lifecycle state of the brokerage gateway session.
type ConnState string

const (
	ConnDisconnected ConnState = "DISCONNECTED"
	ConnConnecting   ConnState = "CONNECTING"
	ConnReady        ConnState = "READY"
	ConnDegraded     ConnState = "DEGRADED"
	ConnClosed       ConnState = "CLOSED"
)

// ConnectionStatus is a read-only view of the gateway session.
type ConnectionStatus struct {
	State           ConnState `json:"state"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
	ConnectedAt     time.Time `json:"connectedAt"`
	Attempts        int       `json:"attempts"`
	LastError       string    `json:"lastError,omitempty"`
	ManagedAccounts []string  `json:"managedAccounts"`
}
