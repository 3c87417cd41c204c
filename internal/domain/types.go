package domain

import "time"

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool { return s == TaskDone || s == TaskFailed }

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskDone, TaskFailed:
		return true
	}
	return false
}

type CronStatus string

const (
	CronActive   CronStatus = "active"
	CronDisabled CronStatus = "disabled"
	CronErrored  CronStatus = "errored"
)

func (s CronStatus) Valid() bool {
	switch s {
	case CronActive, CronDisabled, CronErrored:
		return true
	}
	return false
}

const (
	DefaultPriority    = 5
	DefaultMaxAttempts = 5
	DefaultTimeoutMs   = 60_000
)

type Task struct {
	ID              string     `json:"id"`
	Job             []byte     `json:"job"`
	TaskType        string     `json:"taskType"`
	Status          TaskStatus `json:"status"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"maxAttempts"`
	RunAt           time.Time  `json:"runAt"`
	LastError       string     `json:"lastError"`
	LockAt          *time.Time `json:"lockAt"`
	LockBy          *string    `json:"lockBy"`
	DoneAt          *time.Time `json:"doneAt"`
	Priority        int        `json:"priority"`
	TimeoutMs       int64      `json:"timeoutMs"`
	SubscriptionRef *string    `json:"subscriptionRef"`
	CronRef         *string    `json:"cronRef"`
	IdempotencyKey  *string    `json:"idempotencyKey,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Locked reports whether a lease is recorded on the task. The lease may be
// expired; use lease.Free to decide whether it can be reclaimed.
func (t Task) Locked() bool { return t.LockBy != nil }

func (t Task) Timeout() time.Duration { return time.Duration(t.TimeoutMs) * time.Millisecond }

type CronDefinition struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	CronExpr        string     `json:"cronExpr"`
	TaskType        string     `json:"taskType"`
	Job             []byte     `json:"job"`
	NextRun         time.Time  `json:"nextRun"`
	LastRun         *time.Time `json:"lastRun"`
	LastError       *string    `json:"lastError"`
	Status          CronStatus `json:"status"`
	LockedAt        *time.Time `json:"lockedAt"`
	LockedBy        *string    `json:"lockedBy"`
	TimeoutMs       int64      `json:"timeoutMs"`
	MaxAttempts     int        `json:"maxAttempts"`
	Priority        int        `json:"priority"`
	Attempts        int        `json:"attempts"`
	SubscriptionRef *string    `json:"subscriptionRef"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Materialize builds the task for one due occurrence. Scheduling fields are
// copied so later edits to the definition do not affect queued tasks.
func (c CronDefinition) Materialize(now time.Time) Task {
	id := c.ID
	return Task{
		Job:             append([]byte(nil), c.Job...),
		TaskType:        c.TaskType,
		Status:          TaskPending,
		MaxAttempts:     c.MaxAttempts,
		RunAt:           now,
		Priority:        c.Priority,
		TimeoutMs:       c.TimeoutMs,
		SubscriptionRef: c.SubscriptionRef,
		CronRef:         &id,
		CreatedAt:       now,
	}
}

type Subscription struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	SourceURL   string    `json:"sourceUrl"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SubscriptionRef is the subscription view joined onto listed tasks.
type SubscriptionRef struct {
	DisplayName string `json:"displayName"`
	SourceURL   string `json:"sourceUrl"`
}

type TaskNode struct {
	Task
	Subscription *SubscriptionRef `json:"subscription"`
	Cron         *CronDefinition  `json:"cron"`
}

type TaskPage struct {
	Nodes       []TaskNode `json:"nodes"`
	TotalCount  int        `json:"totalCount"`
	HasNextPage bool       `json:"hasNextPage"`
}

type TaskFilter struct {
	IDs            []string     `json:"ids,omitempty"`
	Statuses       []TaskStatus `json:"statuses,omitempty"`
	TaskType       string       `json:"taskType,omitempty"`
	CronID         string       `json:"cronId,omitempty"`
	SubscriptionID string       `json:"subscriptionId,omitempty"`
	Locked         *bool        `json:"locked,omitempty"`
}

type OrderField string

const (
	OrderPriority  OrderField = "priority"
	OrderRunAt     OrderField = "run_at"
	OrderCreatedAt OrderField = "created_at"
)

type TaskOrder struct {
	Field OrderField
	Desc  bool
}

type Page struct {
	Limit  int
	Offset int
}

type Stats struct {
	Pending int `json:"pending"`
	Leased  int `json:"leased"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
	Crons   int `json:"crons"`
}

// Transition is the row update the retry controller derives from one execution outcome.
type Transition struct {
	Status    TaskStatus
	Attempts  int
	RunAt     time.Time
	LastError string
	DoneAt    *time.Time
}

// Empty reports whether f matches every task.
func (f TaskFilter) Empty() bool {
	return len(f.IDs) == 0 && len(f.Statuses) == 0 && f.TaskType == "" &&
		f.CronID == "" && f.SubscriptionID == "" && f.Locked == nil
}
