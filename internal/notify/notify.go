// Package notify delivers claim lifecycle events to the configured
// notification endpoint asynchronously.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Event types the dispatcher emits.
const (
	EventClaimDetected  = "claim_detected"
	EventClaimSubmitted = "claim_submitted"
	EventClaimPaid      = "claim_paid"
	EventProofGenerated = "proof_generated"
)

// Event is the notification envelope.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Dispatcher posts events to the notification endpoint from a background
// worker pool. Delivery is best-effort: a full queue drops the event, a
// failed delivery retries up to 3 times with backoff.
type Dispatcher struct {
	url        string
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
}

type deliveryJob struct {
	event   *Event
	attempt int
}

// NewDispatcher starts the worker pool. An empty url disables delivery.
func NewDispatcher(url string, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:  make(chan *deliveryJob, 1000),
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit enqueues one event. Never blocks the caller.
func (d *Dispatcher) Emit(_ context.Context, eventType string, data map[string]interface{}) {
	if d.url == "" {
		return
	}
	event := &Event{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:      eventType,
		Source:    "/api/v1/sync",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	select {
	case d.queue <- &deliveryJob{event: event, attempt: 1}:
	default:
		d.logger.Printf("queue full, dropping event %s (%s)", event.ID, event.Type)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.logger.Printf("marshal event %s: %v", job.event.ID, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("build request for event %s: %v", job.event.ID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", job.event.Type)
	req.Header.Set("X-Event-Id", job.event.ID)
	req.Header.Set("X-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("delivery failed for %s: %v", job.event.ID, err)
		d.requeue(job)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("endpoint returned %d for event %s (%s)", resp.StatusCode, job.event.ID, job.event.Type)
		d.requeue(job)
	}
}

func (d *Dispatcher) requeue(job *deliveryJob) {
	if job.attempt >= 3 {
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	select {
	case d.queue <- job:
	default:
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
