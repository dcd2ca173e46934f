package queue

import (
	"errors"
	"time"

	"github.com/mattjoyce/crmq/internal/crm"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every job status in display order.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCancelled}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusSuccess, StatusPending, StatusFailed},
	StatusFailed:    {StatusPending},
	StatusCancelled: {StatusPending},
}

// CanTransition reports whether from -> to is allowed. failed/cancelled ->
// pending is the manual retry; success never moves.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sync status values written to form_submissions.crm_sync_status.
const (
	SyncQueued        = "queued"
	SyncSynced        = "synced"
	SyncError         = "error"
	SyncNotConfigured = "not_configured"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// MaxErrorBytes caps error_message when persisted.
const MaxErrorBytes = 4 * 1024

type Job struct {
	ID            string
	SubmissionID  string
	ConnectionID  string
	Status        Status
	RetryCount    int
	MaxRetries    int
	ErrorMessage  *string
	ArtifactRef   *string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FormID        string
	ConnectionTag string
	DisplayName   string
}

// JobContext is everything the dispatcher loads for one job.
type JobContext struct {
	Job        Job
	FormID     string
	Connection crm.Connection
	Payload    crm.Payload
}

// ClaimedJob is a row flipped to running by ClaimPending.
type ClaimedJob struct {
	ID        string
	CreatedAt time.Time
}

// ListFilter narrows List. Zero values mean no filter.
type ListFilter struct {
	Status Status
	FormID string
	Page   int
	Limit  int
}

// ListResult is one page of jobs plus the unpaged total.
type ListResult struct {
	Jobs  []Job
	Total int
	Page  int
	Limit int
}

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrSubmissionNotFound = errors.New("submission not found")
)

func now() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		// Rows written by other tools may use plain RFC3339.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}
