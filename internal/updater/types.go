package updater

import "time"

// Status is the updater state as the dashboard sees it. Values are wire
// strings; do not rename.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusChecking    Status = "checking"
	StatusUpToDate    Status = "uptodate"
	StatusAvailable   Status = "available"
	StatusDiverged    Status = "diverged"
	StatusAhead       Status = "ahead"
	StatusError       Status = "error"
	StatusUpdating    Status = "updating"
	StatusRestarting  Status = "restarting"
	StatusRollingBack Status = "rollingback"
)

// VersionInfo identifies the checkout the panel is currently running.
type VersionInfo struct {
	Title       string `json:"title"`
	Hash        string `json:"hash"`
	Description string `json:"description,omitempty"`
}

// NewVersionInfo describes a pending update. It is discarded after a
// successful update and recomputed on every check.
type NewVersionInfo struct {
	Description string `json:"description"`
	Changelog   string `json:"changelog"`
}

// Event is one progress-stream frame. Zero fields stay off the wire.
type Event struct {
	Log            string          `json:"log,omitempty"`
	Status         Status          `json:"status,omitempty"`
	Message        string          `json:"message,omitempty"`
	NewVersionInfo *NewVersionInfo `json:"newVersionInfo,omitempty"`
}

// CheckResult is the outcome of one version check.
type CheckResult struct {
	Status         Status          `json:"status"`
	NewVersionInfo *NewVersionInfo `json:"newVersionInfo,omitempty"`
	CheckedAt      time.Time       `json:"checkedAt"`
}

// SubApp is one dependency-managed application under the panel tree.
// Install is an argv vector, run in the sub-app directory.
type SubApp struct {
	Dir     string
	Install []string
}
