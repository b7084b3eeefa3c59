package models

import "time"

// ResponseAction is a containment or notification measure an effector can
// carry out against an entity.
type ResponseAction string

const (
	ActionBlockIP         ResponseAction = "block_ip"
	ActionUnblockIP       ResponseAction = "unblock_ip"
	ActionIsolateHost     ResponseAction = "isolate_host"
	ActionDisableUser     ResponseAction = "disable_user"
	ActionEnableUser      ResponseAction = "enable_user"
	ActionResetPassword   ResponseAction = "reset_password"
	ActionRevokeToken     ResponseAction = "revoke_token"
	ActionKillProcess     ResponseAction = "kill_process"
	ActionSuspendProcess  ResponseAction = "suspend_process"
	ActionQuarantineFile  ResponseAction = "quarantine_file"
	ActionDeleteFile      ResponseAction = "delete_file"
	ActionRestoreFile     ResponseAction = "restore_file"
	ActionTakeSnapshot    ResponseAction = "take_snapshot"
	ActionDumpMemory      ResponseAction = "dump_memory"
	ActionSendAlert       ResponseAction = "send_alert"
	ActionCreateTicket    ResponseAction = "create_ticket"
	ActionNotifyAdmin     ResponseAction = "notify_admin"
	ActionCollectEvidence ResponseAction = "collect_evidence"
)

// ParseResponseAction maps a wire string to a known action.
func ParseResponseAction(s string) (ResponseAction, bool) {
	switch ResponseAction(s) {
	case ActionBlockIP, ActionUnblockIP, ActionIsolateHost, ActionDisableUser,
		ActionEnableUser, ActionResetPassword, ActionRevokeToken,
		ActionKillProcess, ActionSuspendProcess, ActionQuarantineFile,
		ActionDeleteFile, ActionRestoreFile, ActionTakeSnapshot,
		ActionDumpMemory, ActionSendAlert, ActionCreateTicket,
		ActionNotifyAdmin, ActionCollectEvidence:
		return ResponseAction(s), true
	}
	return "", false
}

// ActionStatus is the terminal (or in-flight) state of one response action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionSuccess   ActionStatus = "success"
	ActionFailed    ActionStatus = "failed"
	ActionTimeout   ActionStatus = "timeout"
	ActionCancelled ActionStatus = "cancelled"
)

// ActionResult records one attempted response action.
type ActionResult struct {
	Action        ResponseAction `json:"action"`
	Status        ActionStatus   `json:"status"`
	Message       string         `json:"message"`
	Effector      string         `json:"effector,omitempty"` // empty when no effector claimed the action
	EntityID      string         `json:"entityId,omitempty"`
	ExecutionTime float64        `json:"executionTime,omitempty"` // seconds
	Timestamp     time.Time      `json:"timestamp"`
}
