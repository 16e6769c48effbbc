package jobqueue

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
)

// Dispatcher runs the mechanic search for one request to completion.
type Dispatcher interface {
	RunDispatch(ctx context.Context, requestID uint) error
	// Schedule runs the search on a goroutine.
	Schedule(requestID uint)
}

// Sender delivers an email synchronously.
type Sender interface {
	SendMail(to, subject, body string) error
}

// RegisterDispatch routes dispatch_request jobs to d.
func (q *Queue) RegisterDispatch(d Dispatcher) {
	q.Register(JobTypeDispatchRequest, func(ctx context.Context, job *Job) error {
		p, err := DispatchRequestJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("decode dispatch payload: %w", err)
		}
		return d.RunDispatch(ctx, p.ServiceRequestID)
	})
}

// RegisterEmail routes send_email jobs to s. Delivery failures are logged
// and the job completes.
func (q *Queue) RegisterEmail(s Sender) {
	q.Register(JobTypeSendEmail, func(_ context.Context, job *Job) error {
		p, err := SendEmailJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("decode email payload: %w", err)
		}
		if err := s.SendMail(p.To, p.Subject, p.Body); err != nil {
			log.Warnf("[JobQueue] Email to %s not delivered: %v", p.To, err)
		}
		return nil
	})
}

// DispatchScheduler enqueues dispatch runs, falling back to an in-process
// goroutine while the queue is not running.
type DispatchScheduler struct {
	queue *Queue
	d     Dispatcher
}

func NewDispatchScheduler(queue *Queue, d Dispatcher) *DispatchScheduler {
	return &DispatchScheduler{queue: queue, d: d}
}

func (s *DispatchScheduler) Schedule(requestID uint) {
	if s.queue != nil && s.queue.IsRunning() {
		_, err := s.queue.EnqueueJob(JobTypeDispatchRequest, DispatchRequestJobPayload{ServiceRequestID: requestID}.ToMap())
		if err == nil {
			return
		}
		log.Warnf("[JobQueue] Dispatch of request %d not queued, running inline: %v", requestID, err)
	}
	s.d.Schedule(requestID)
}

// MailQueue queues outbound email, sending on a goroutine while the queue
// is not running.
type MailQueue struct {
	queue  *Queue
	sender Sender
}

func NewMailQueue(queue *Queue, sender Sender) *MailQueue {
	return &MailQueue{queue: queue, sender: sender}
}

func (m *MailQueue) EnqueueEmail(to, subject, body string) error {
	if m.queue != nil && m.queue.IsRunning() {
		_, err := m.queue.EnqueueJob(JobTypeSendEmail, SendEmailJobPayload{To: to, Subject: subject, Body: body}.ToMap())
		if err == nil {
			return nil
		}
		log.Warnf("[JobQueue] Email to %s not queued, sending inline: %v", to, err)
	}
	go func() {
		if err := m.sender.SendMail(to, subject, body); err != nil {
			log.Warnf("[JobQueue] Email to %s not delivered: %v", to, err)
		}
	}()
	return nil
}
