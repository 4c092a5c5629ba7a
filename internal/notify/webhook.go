package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WebhookSink forwards notifications to an HTTP endpoint through a
// background worker pool. Enqueueing never blocks the pipeline: a full
// queue drops the message.
type WebhookSink struct {
	url        string
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
	retryDelay time.Duration

	mu        sync.Mutex
	delivered uint64
	failed    uint64
	dropped   uint64
}

type deliveryJob struct {
	id           string
	notification Notification
	attempt      int
}

// NewWebhookSink starts the worker pool; workers <= 0 defaults to 4.
func NewWebhookSink(url string, workers int) *WebhookSink {
	if workers <= 0 {
		workers = 4
	}
	s := &WebhookSink{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
		retryDelay: time.Second,
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *WebhookSink) Notify(notifType, title, body string, priority Priority, context map[string]interface{}) bool {
	job := &deliveryJob{
		id: uuid.NewString(),
		notification: Notification{
			Type:     notifType,
			Title:    title,
			Body:     body,
			Priority: priority,
			Context:  context,
			At:       time.Now(),
		},
		attempt: 1,
	}
	select {
	case s.queue <- job:
		return true
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Printf("queue full, dropping %s notification %s", notifType, job.id)
		return false
	}
}

func (s *WebhookSink) worker() {
	defer s.wg.Done()
	for job := range s.queue {
		s.deliver(job)
	}
}

// deliver runs the full retry loop inside the worker. Retries never
// re-enter the queue, so Shutdown can close it without racing a
// re-enqueue.
func (s *WebhookSink) deliver(job *deliveryJob) {
	for {
		if s.attempt(job) {
			return
		}
		if job.attempt >= 3 {
			s.logger.Printf("giving up on notification %s after %d attempts", job.id, job.attempt)
			return
		}
		// Quadratic backoff between attempts.
		time.Sleep(time.Duration(job.attempt*job.attempt) * s.retryDelay)
		job.attempt++
	}
}

// attempt makes one delivery try; true means done (delivered, or a
// non-retryable build failure).
func (s *WebhookSink) attempt(job *deliveryJob) bool {
	payload, err := json.Marshal(job.notification)
	if err != nil {
		s.logger.Printf("marshal failed for notification %s: %v", job.id, err)
		return true
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		s.logger.Printf("request build failed for notification %s: %v", job.id, err)
		return true
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Arbiter-Notification-Type", job.notification.Type)
	req.Header.Set("X-Arbiter-Notification-ID", job.id)
	req.Header.Set("X-Arbiter-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))

	resp, err := s.httpClient.Do(req)
	if err != nil || resp.StatusCode >= 400 {
		if resp != nil {
			resp.Body.Close()
		}
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		return false
	}
	resp.Body.Close()

	s.mu.Lock()
	s.delivered++
	s.mu.Unlock()
	return true
}

// Counters reports delivery totals.
func (s *WebhookSink) Counters() (delivered, failed, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered, s.failed, s.dropped
}

// Shutdown drains the queue and stops the workers.
func (s *WebhookSink) Shutdown() {
	close(s.queue)
	s.wg.Wait()
}
