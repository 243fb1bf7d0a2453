// Package model holds the data-model entities shared by every core
// component (spec §3). Entities are plain structs; mutation discipline
// (who may write which field) is enforced by the owning package, not by
// this package itself.
package model

import "time"

// SessionStatus is the lifecycle state of one Telegram user-session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionFloodWait SessionStatus = "FLOOD_WAIT"
	SessionBlocked   SessionStatus = "BLOCKED"
	SessionDisabled  SessionStatus = "DISABLED"
)

// ChannelCounters is the per-channel invite bookkeeping for one session.
type ChannelCounters struct {
	InvitesToday    int `json:"invites_today"`
	InvitesLifetime int `json:"invites_lifetime"`
}

// Session is one Telegram user-session owned by one end-user (§3).
type Session struct {
	SessionID     string        `json:"session_id"`
	OwnerUserID   string        `json:"owner_user_id"`
	Phone         string        `json:"phone"`
	SessionBlob   []byte        `json:"session_blob"`
	Status        SessionStatus `json:"status"`
	LockedBy      string        `json:"locked_by,omitempty"`
	LockExpiresAt time.Time     `json:"lock_expires_at"`
	FloodWaitUntil time.Time    `json:"flood_wait_until"`
	BlockedUntil  time.Time     `json:"blocked_until"`
	ErrorCount    int           `json:"error_count"`
	LastUsedAt    time.Time     `json:"last_used_at"`
	LastActionAt  time.Time     `json:"last_action_at"`

	InvitesToday  int `json:"invites_today"`
	MessagesToday int `json:"messages_today"`
	ContactsToday int `json:"contacts_today"`

	CountersDay time.Time `json:"counters_day"` // UTC day boundary the *_today counters belong to

	ChannelCounters map[string]*ChannelCounters `json:"channel_counters"`

	// BurstWindow holds the timestamps of the most recent consecutive
	// invites on this account, used by the burst-guard rule (§4.2).
	BurstWindow []time.Time `json:"burst_window"`

	// HourlyWindow holds timestamps of INVITE actions within the last
	// sliding hour, used by the per-account hourly rule.
	HourlyWindow []time.Time `json:"hourly_window"`

	RecoveryFailures int `json:"recovery_failures"`
}

// IsLocked reports whether the session currently holds a live lock, given
// the current time. A lock whose TTL has elapsed is treated as free.
func (s *Session) IsLocked(now time.Time) bool {
	return s.LockedBy != "" && s.LockExpiresAt.After(now)
}

// TaskKind distinguishes the two workload classes (§1, §3).
type TaskKind string

const (
	TaskParse  TaskKind = "PARSE"
	TaskInvite TaskKind = "INVITE"
)

// TaskStatus is the lifecycle state of a task (§3).
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskPaused    TaskStatus = "PAUSED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Priority is the task dispatch priority (§4.3 "Priority and ordering").
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// Rank orders priorities for dispatch: HIGH before NORMAL before LOW.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// SpeedProfile is a parse-pacing tuple (§4.1).
type SpeedProfile string

const (
	SpeedSafe   SpeedProfile = "SAFE"
	SpeedMedium SpeedProfile = "MEDIUM"
	SpeedFast   SpeedProfile = "FAST"
)

// InviteType distinguishes the two invite-task dispatch mechanisms (§3).
type InviteType string

const (
	InviteGroup   InviteType = "GROUP_INVITE"
	InviteDirect  InviteType = "DIRECT_MESSAGE"
)

// ParseCounters track a parse task's running progress (§3).
type ParseCounters struct {
	ProcessedMessages int     `json:"processed_messages"`
	ProcessedMedia    int     `json:"processed_media"`
	ProcessedUsers    int     `json:"processed_users"`
	EstimatedTotal    int     `json:"estimated_total"`
	ProgressPercent   float64 `json:"progress_percent"`
}

// InviteCounters track an invite task's running progress (§3).
type InviteCounters struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// Task is one user-submitted workload (§3).
type Task struct {
	TaskID      string     `json:"task_id"`
	OwnerUserID string     `json:"owner_user_id"`
	Kind        TaskKind   `json:"kind"`
	Platform    string     `json:"platform"`
	Status      TaskStatus `json:"status"`
	Priority    Priority   `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Parse-specific.
	SourceLinks   []string      `json:"source_links,omitempty"`
	SpeedProfile  SpeedProfile  `json:"speed_profile,omitempty"`
	ParseCounters ParseCounters `json:"parse_counters,omitempty"`

	// Invite-specific.
	GroupID        string         `json:"group_id,omitempty"`
	InviteType     InviteType     `json:"invite_type,omitempty"`
	InviteCounters InviteCounters `json:"invite_counters,omitempty"`

	// PauseReason records why a RUNNING task moved to PAUSED (e.g.
	// "lifetime_exhausted_channel" per S3), for observability only.
	PauseReason string `json:"pause_reason,omitempty"`
}

// TargetStatus is the lifecycle state of one invite target (§3).
type TargetStatus string

const (
	TargetPending TargetStatus = "PENDING"
	TargetInvited TargetStatus = "INVITED"
	TargetFailed  TargetStatus = "FAILED"
	TargetSkipped TargetStatus = "SKIPPED"
)

// Target is one planned unit of work inside an invite task (§3).
type Target struct {
	TargetID       string       `json:"target_id"`
	TaskID         string       `json:"task_id"`
	Username       string       `json:"username,omitempty"`
	Phone          string       `json:"phone,omitempty"`
	PlatformUserID string       `json:"platform_user_id,omitempty"`
	DisplayName    string       `json:"display_name,omitempty"`
	Status         TargetStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	LastErrorKind  string       `json:"last_error_kind,omitempty"`
	LastAccountID  string       `json:"last_account_id,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// HasIdentifier reports whether the target carries at least one of the
// required identifiers (§4.4 "Accept only targets carrying at least one
// identifier").
func (t *Target) HasIdentifier() bool {
	return t.Username != "" || t.Phone != "" || t.PlatformUserID != ""
}

// ParseResultKind distinguishes the kinds of extracted records (§3).
type ParseResultKind string

const (
	ResultMessage     ParseResultKind = "MESSAGE"
	ResultMedia       ParseResultKind = "MEDIA"
	ResultParticipant ParseResultKind = "PARTICIPANT"
	ResultCommunity   ParseResultKind = "COMMUNITY"
)

// ParseResult is one extracted record from a parse task (§3). Payload is
// always JSON-encodable; binary fields are encoded to text before
// persistence (invariant enforced by the parse engine's sanitiser).
type ParseResult struct {
	ResultID     string                 `json:"result_id"`
	TaskID       string                 `json:"task_id"`
	Kind         ParseResultKind        `json:"kind"`
	PlatformKey  string                 `json:"platform_key"`
	Payload      map[string]interface{} `json:"payload"`
	DiscoveredAt time.Time              `json:"discovered_at"`
}

// LogOutcome is the terminal classification of one dispatched operation
// (§3 ExecutionLog).
type LogOutcome string

const (
	LogSuccess     LogOutcome = "SUCCESS"
	LogFailed      LogOutcome = "FAILED"
	LogSkipped     LogOutcome = "SKIPPED"
	LogSystemError LogOutcome = "SYSTEM_ERROR"
)

// ExecutionLog is an append-only audit entry (§3). Never updated, only
// inserted; exactly one per dispatched operation.
type ExecutionLog struct {
	LogID      string     `json:"log_id"`
	TaskID     string     `json:"task_id"`
	TargetID   string     `json:"target_id,omitempty"`
	AccountID  string     `json:"account_id,omitempty"`
	Action     string     `json:"action"`
	Outcome    LogOutcome `json:"outcome"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Message    string     `json:"message"`
	DurationMS int64      `json:"duration_ms"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RecoveryReason is why an account is scheduled for a recovery probe (§3).
type RecoveryReason string

const (
	RecoveryFloodWait RecoveryReason = "FLOOD_WAIT"
	RecoveryPeerFlood RecoveryReason = "PEER_FLOOD"
	RecoveryBanReview RecoveryReason = "BAN_REVIEW"
)

// RecoverySchedule is one pending wake-up for an account under cool-down
// (§3), stored as an ordered set keyed by DueAt.
type RecoverySchedule struct {
	AccountID string         `json:"account_id"`
	DueAt     time.Time      `json:"due_at"`
	Reason    RecoveryReason `json:"reason"`
}
