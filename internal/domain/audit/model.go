package audit

import "github.com/rhu/healthrecords/internal/platform/policy"

const collection = "auditLogs"

// Action names a privileged mutation.
type Action string

const (
	ActionRoleChange      Action = "roleChange"
	ActionDelete          Action = "delete"
	ActionRestore         Action = "restore"
	ActionPermanentDelete Action = "permanentDelete"
	ActionBackupDownload  Action = "backupDownload"
)

// Event is what a service reports after a privileged mutation commits.
type Event struct {
	Action      Action
	Description string
	TargetID    string
	TargetType  string
	Details     map[string]interface{}
}

// Entry is a stored audit log entry. Timestamp is server time in
// milliseconds since the epoch.
type Entry struct {
	ID          string                 `json:"id"`
	Timestamp   int64                  `json:"timestamp"`
	UserID      string                 `json:"userId"`
	UserName    string                 `json:"userName"`
	UserRole    policy.Role            `json:"userRole"`
	Action      Action                 `json:"action"`
	Description string                 `json:"description"`
	TargetID    string                 `json:"targetId,omitempty"`
	TargetType  string                 `json:"targetType,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}
