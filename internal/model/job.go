package model

import "time"

// JobStatus is the lifecycle state of an optimization job.
type JobStatus string

const (
	JobCreated   JobStatus = "CREATED"
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobSolved    JobStatus = "SOLVED"
	JobErrored   JobStatus = "ERROR"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobSolved || s == JobErrored || s == JobCancelled
}

// CanTransition enforces the lifecycle edges. Anything not listed is illegal.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobCreated:
		return to == JobQueued || to == JobCancelled
	case JobQueued:
		return to == JobRunning || to == JobCancelled
	case JobRunning:
		return to == JobSolved || to == JobErrored || to == JobCancelled
	}
	return false
}

// Job error codes surfaced in JobError.Code.
const (
	ErrCodeWorkerCrash = "WORKER_CRASH"
	ErrCodeProvider    = "PROVIDER_ERROR"
	ErrCodeNoFeasible  = "NO_FEASIBLE_SOLUTION"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeQueueFull   = "QUEUE_FULL"
)

// JobError describes a terminal failure.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JobProgress is the live counter block on a running job.
type JobProgress struct {
	Iterations int64  `json:"iterations"`
	BestScore  *Score `json:"bestScore,omitempty"`
	Improved   int64  `json:"improved"`
}

// Job is one asynchronous optimization run.
type Job struct {
	ID          string       `json:"id"`
	Status      JobStatus    `json:"status"`
	Problem     *Problem     `json:"problem,omitempty"`
	Solution    *Solution    `json:"solution,omitempty"`
	Explanation *Explanation `json:"explanation,omitempty"`
	Error       *JobError    `json:"error,omitempty"`
	Progress    *JobProgress `json:"progress,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	FinishedAt  *time.Time   `json:"finishedAt,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Event types published on the job stream.
const (
	EventJobQueued    = "job.queued"
	EventJobRunning   = "job.running"
	EventJobImproved  = "job.improved"
	EventJobSolved    = "job.solved"
	EventJobError     = "job.error"
	EventJobCancelled = "job.cancelled"
)

// SubscriptionRequest registers a webhook endpoint for job events.
type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

// Subscription is a stored webhook registration.
type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}
