package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/models"
)

// AuditSink is the slice of the durable store audit events go to
type AuditSink interface {
	InsertAuditEvent(ctx context.Context, event *models.AuditEvent) error
}

// AuditLog accepts governance events from the request path and writes
// them to Postgres from a single background goroutine. Submission never
// blocks: when the buffer is full the event is dropped and logged.
type AuditLog struct {
	sink   AuditSink
	logger *zap.Logger
	events chan *models.AuditEvent

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewAuditLog(sink AuditSink, logger *zap.Logger) *AuditLog {
	a := &AuditLog{
		sink:   sink,
		logger: logger,
		events: make(chan *models.AuditEvent, 256),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.drain()
	return a
}

// Submit queues an event without blocking the caller
func (a *AuditLog) Submit(severity, kind, userID, identifier, detail string) {
	event := &models.AuditEvent{
		ID:         uuid.New(),
		Severity:   severity,
		Kind:       kind,
		UserID:     userID,
		Identifier: identifier,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}

	select {
	case a.events <- event:
	default:
		a.logger.Warn("audit buffer full, dropping event",
			zap.String("kind", kind),
			zap.String("identifier", identifier))
	}
}

func (a *AuditLog) drain() {
	defer close(a.done)
	for {
		select {
		case event := <-a.events:
			a.write(event)
		case <-a.stop:
			// Flush whatever is already queued, then exit.
			for {
				select {
				case event := <-a.events:
					a.write(event)
				default:
					return
				}
			}
		}
	}
}

func (a *AuditLog) write(event *models.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.sink.InsertAuditEvent(ctx, event); err != nil {
		// Audit failures never propagate anywhere.
		a.logger.Error("audit write failed", zap.String("kind", event.Kind), zap.Error(err))
	}
}

// Close stops the drain goroutine after flushing queued events
func (a *AuditLog) Close() {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
}
