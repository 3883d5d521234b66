package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/habitrace/server/internal/config"
	"github.com/habitrace/server/internal/domain"
)

// Queue is the blocking job source the worker consumes from.
// Satisfied by redis.Notifier.
type Queue interface {
	DequeueJob(ctx context.Context) (*domain.Job, error)
}

// Events is the delivery side: live publish with offline inbox
// fallback. Satisfied by redis.Notifier.
type Events interface {
	PublishEvent(ctx context.Context, username string, event domain.NotificationEvent) (int64, error)
	AppendInbox(ctx context.Context, username string, event domain.NotificationEvent) error
}

// Sender sends the external side-effect of a notification job.
// Satisfied by mailer.Client.
type Sender interface {
	Send(ctx context.Context, email, username string) error
}

// NotifyWorker consumes jobs from the background task queue one at a
// time: pop, perform the side effect, then deliver a notification event
// live or to the user's offline inbox. There is no acknowledgment or
// redelivery; a job popped before a crash is lost, so the queue must
// not carry anything transactional.
type NotifyWorker struct {
	queue   Queue
	events  Events
	mailer  Sender
	config  *config.WorkerConfig
	logger  *slog.Logger
	cancel  context.CancelFunc
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewNotifyWorker creates a new notification worker
func NewNotifyWorker(
	queue Queue,
	events Events,
	mailer Sender,
	cfg *config.WorkerConfig,
	logger *slog.Logger,
) *NotifyWorker {
	return &NotifyWorker{
		queue:  queue,
		events: events,
		mailer: mailer,
		config: cfg,
		logger: logger,
	}
}

// Start begins the consuming loop
func (w *NotifyWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	// A fresh channel per run keeps the worker restartable after Stop
	w.doneCh = make(chan struct{})
	done := w.doneCh
	w.mu.Unlock()

	w.logger.Info("notification worker started", "queue", w.config.QueueKey)

	go w.run(ctx, done)
	return nil
}

// Stop stops the consuming loop and waits for the in-flight job
func (w *NotifyWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	done := w.doneCh
	w.mu.Unlock()

	w.cancel()
	<-done

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("notification worker stopped")
	return nil
}

// IsRunning returns whether the worker is currently running
func (w *NotifyWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// run is the main worker loop: a blocking pop serializes processing to
// one job at a time
func (w *NotifyWorker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		job, err := w.queue.DequeueJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to dequeue job", "error", err)
			// Back off so a broken queue doesn't spin the loop
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := w.Process(ctx, job); err != nil {
			// Failed jobs are dropped, not retried
			w.logger.Error("job failed", "type", job.Type, "error", err)
		}
	}
}

// Process dispatches one job by type
func (w *NotifyWorker) Process(ctx context.Context, job *domain.Job) error {
	switch job.Type {
	case domain.JobTypeNotification:
		return w.processNotification(ctx, job.Data)
	default:
		w.logger.Warn("dropping job with unknown type", "type", job.Type)
		return fmt.Errorf("%w: %q", domain.ErrUnknownJobType, job.Type)
	}
}

// processNotification sends the welcome email, then delivers the
// in-app event: live when someone is subscribed, otherwise to the
// user's offline inbox.
func (w *NotifyWorker) processNotification(ctx context.Context, data domain.JobData) error {
	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()

	if err := w.mailer.Send(sendCtx, data.Email, data.Username); err != nil {
		return fmt.Errorf("sending welcome email: %w", err)
	}
	w.logger.Info("welcome email sent", "email", data.Email, "user", data.Username)

	event := domain.NotificationEvent{
		Type: domain.JobTypeNotification,
		Payload: domain.NotificationPayload{
			Message: fmt.Sprintf("Welcome to HabitRace %s", data.Username),
		},
	}

	receivers, err := w.events.PublishEvent(ctx, data.Username, event)
	if err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	if receivers > 0 {
		w.logger.Debug("notification delivered live", "user", data.Username, "receivers", receivers)
		return nil
	}

	if err := w.events.AppendInbox(ctx, data.Username, event); err != nil {
		return fmt.Errorf("storing offline notification: %w", err)
	}
	w.logger.Debug("notification stored offline", "user", data.Username)
	return nil
}
