package jobs

import (
	"context"
	"errors"
	"time"

	"optiq/internal/model"
)

// Store is the persistence interface used by the manager and the API server.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.Job) (*model.Job, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, status model.JobStatus, cursor string, limit int) (items []*model.Job, nextCursor string, err error)
	// TransitionJob moves a job from one status to another atomically. It
	// fails with ErrConflict when the stored status no longer matches from.
	TransitionJob(ctx context.Context, id string, from, to model.JobStatus) (*model.Job, error)
	// CompleteJob finalizes a RUNNING job with its result. It fails with
	// ErrConflict when the job left RUNNING in the meantime (cancel race),
	// in which case nothing is written.
	CompleteJob(ctx context.Context, id string, to model.JobStatus, sol *model.Solution, exp *model.Explanation, jobErr *model.JobError) (*model.Job, error)
	// CancelJob moves any non-terminal job to CANCELLED. changed reports
	// whether this call performed the transition.
	CancelJob(ctx context.Context, id string) (job *model.Job, changed bool, err error)
	SaveProgress(ctx context.Context, id string, progress model.JobProgress) error

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Callback deliveries
	EnqueueDelivery(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueDeliveries(ctx context.Context, limit int) ([]Delivery, error)
	MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error
	FailDelivery(ctx context.Context, id string, lastError string, responseCode int) error
	ListDeliveries(ctx context.Context, status, cursor string, limit int) ([]Delivery, string, error)
	ListDeadLetters(ctx context.Context, cursor string, limit int) ([]Delivery, string, error)
	RequeueDeadLetter(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}

var ErrNotFound = errors.New("not found")

// ErrConflict signals a lost transition race: the job status changed
// underneath the caller.
var ErrConflict = errors.New("job status conflict")

// Delivery statuses.
const (
	DeliveryPending   = "pending"
	DeliveryRetry     = "retry"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Delivery is one queued callback dispatch.
type Delivery struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscriptionId,omitempty"`
	EventType      string     `json:"eventType"`
	URL            string     `json:"url"`
	Secret         string     `json:"-"`
	Payload        []byte     `json:"payload,omitempty"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	NextAttemptAt  time.Time  `json:"nextAttemptAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	ResponseCode   int        `json:"responseCode,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
}
