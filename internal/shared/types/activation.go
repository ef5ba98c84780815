package types

import "time"

// ActivationState is the lifecycle of one extension context.
type ActivationState string

const (
	StateDormant    ActivationState = "dormant"
	StateActivating ActivationState = "activating"
	StateActivated  ActivationState = "activated"
	StateFailed     ActivationState = "failed"
)

// Terminal reports whether the state ends an activation attempt.
func (s ActivationState) Terminal() bool {
	return s == StateActivated || s == StateFailed
}

// Activation is the externally visible activation record. The runtime owns
// the live state; this is a snapshot.
type Activation struct {
	WindowID    string          `json:"windowId"`
	ExtensionID string          `json:"extensionId"`
	State       ActivationState `json:"state"`
	LastEvent   string          `json:"lastEvent,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	ChangedAt   time.Time       `json:"changedAt"`
}
