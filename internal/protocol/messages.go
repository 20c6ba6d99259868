package protocol

import "time"

// HelloMsg opens a status subscription.
type HelloMsg struct {
	Type            string `json:"type"` // HELLO
	ProtocolVersion string `json:"protocol_version"`
	Subscriber      string `json:"subscriber,omitempty"`
}

// WelcomeMsg acknowledges the subscription with the current module table.
type WelcomeMsg struct {
	Type            string         `json:"type"` // WELCOME
	ProtocolVersion string         `json:"protocol_version"`
	ServerTime      time.Time      `json:"server_time"`
	Modules         []ModuleStatus `json:"modules"`
}

// ModuleStatus is one registry row in the stream.
type ModuleStatus struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	State   string `json:"state"`
	Agents  int    `json:"agents"`
}

// MigrationStatus mirrors an in-flight migration's observable state.
type MigrationStatus struct {
	ID       string `json:"id"`
	Module   string `json:"module"`
	From     string `json:"from"`
	To       string `json:"to"`
	Strategy string `json:"strategy"`
	State    string `json:"state"`
	Progress int    `json:"progress"`
	Err      string `json:"error,omitempty"`
}

// StatusMsg is the periodic push with registry and migration state.
type StatusMsg struct {
	Type       string            `json:"type"` // STATUS
	Frame      uint32            `json:"frame"`
	Modules    []ModuleStatus    `json:"modules"`
	Migrations []MigrationStatus `json:"migrations,omitempty"`
}

// SwapEventMsg announces a finished swap attempt.
type SwapEventMsg struct {
	Type       string    `json:"type"` // SWAP_EVENT
	Module     string    `json:"module"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Outcome    string    `json:"outcome"`
	Err        string    `json:"error,omitempty"`
	RolledBack bool      `json:"rolled_back"`
	At         time.Time `json:"at"`
}
