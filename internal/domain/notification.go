package domain

import "time"

// Job types understood by the notification worker
const (
	JobTypeNotification = "notification"
)

// Job is a transient message pushed onto the background task queue.
// Ownership transfers from producer to the consuming worker on pop; the
// queue guarantees FIFO order but has no acknowledgment protocol, so a
// job popped by a worker that crashes mid-task is lost.
type Job struct {
	Type string  `json:"type"`
	Data JobData `json:"data"`
}

// JobData carries the payload of a notification job
type JobData struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}

// NotificationEvent is the payload delivered to live subscribers or
// appended to a user's offline inbox.
type NotificationEvent struct {
	Type    string              `json:"type"`
	Payload NotificationPayload `json:"payload"`
}

// NotificationPayload holds the human-readable notification content
type NotificationPayload struct {
	Message string `json:"message"`
}

// CheckinEvent is a check-in submission consumed from the ingestion
// topic under high load, routed through the same validator as the HTTP
// path.
type CheckinEvent struct {
	Username  string    `json:"username"`
	UserID    string    `json:"user_id"`
	RaceSlug  string    `json:"race_slug"`
	CheckedAt time.Time `json:"checked_at"`
}
