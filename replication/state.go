package replication

// Status is the coarse lifecycle state of the engine.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusSyncing    Status = "syncing"
	StatusPaused     Status = "paused"
	StatusError      Status = "error"
	StatusDisabled   Status = "disabled"
)

// State is a snapshot of the engine, published on every status transition
// and after every completed replication batch.
type State struct {
	Status     Status `json:"status"`
	LastSynced int64  `json:"lastSynced,omitempty"`
	Error      string `json:"error,omitempty"`
	Mode       string `json:"syncMode,omitempty"`
}
