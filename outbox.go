// Package rapidrespond — report outbox.
//
// Emergency reports composed while the device is offline are queued and
// flushed when connectivity returns. Each queued report carries an
// idempotency key so a retried submission is deduplicated server-side.
package rapidrespond

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Data Types
// ============================================================================

// Queued report statuses.
const (
	ReportPending = "pending"
	ReportSent    = "sent"
	ReportFailed  = "failed"
)

// QueuedReport is an emergency report waiting in the outbox.
type QueuedReport struct {
	ID        string
	Report    ReportOptions
	Status    string
	Retries   int
	CreatedAt time.Time
	SentAt    time.Time
	LastError string
}

// ReportStore persists queued reports. Implementations must be safe for
// concurrent use.
type ReportStore interface {
	Put(r *QueuedReport)
	Get(id string) *QueuedReport
	List() []*QueuedReport
	Delete(id string)
}

// OutboxOptions configures an Outbox.
type OutboxOptions struct {
	RetryLimit    int           // attempts per report before it is marked failed (default 3)
	FlushInterval time.Duration // periodic flush cadence for Start (default 15s)
	Logf          func(format string, v ...any)
}

func (o *OutboxOptions) defaults() {
	if o.RetryLimit == 0 {
		o.RetryLimit = 3
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = 15 * time.Second
	}
	if o.Logf == nil {
		o.Logf = log.Printf
	}
}

// FlushResult summarizes one outbox flush.
type FlushResult struct {
	Sent      int
	Failed    int
	Remaining int
}

// ============================================================================
// MemoryReportStore
// ============================================================================

// MemoryReportStore is a goroutine-safe in-memory ReportStore.
type MemoryReportStore struct {
	mu      sync.RWMutex
	reports map[string]*QueuedReport
}

// NewMemoryReportStore creates an empty in-memory store.
func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{reports: make(map[string]*QueuedReport)}
}

func (s *MemoryReportStore) Put(r *QueuedReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reports[r.ID] = &cp
}

func (s *MemoryReportStore) Get(id string) *QueuedReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (s *MemoryReportStore) List() []*QueuedReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*QueuedReport, 0, len(s.reports))
	for _, r := range s.reports {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryReportStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reports, id)
}

// ============================================================================
// Outbox
// ============================================================================

// Outbox queues emergency reports for later submission.
type Outbox struct {
	client *Client
	store  ReportStore
	opts   OutboxOptions

	mu       sync.Mutex
	flushing bool
	stop     chan struct{}
}

// NewOutbox creates an outbox submitting through the given client.
// A nil store gets an in-memory one.
func NewOutbox(client *Client, store ReportStore, opts *OutboxOptions) *Outbox {
	if store == nil {
		store = NewMemoryReportStore()
	}
	var o OutboxOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Outbox{client: client, store: store, opts: o}
}

// Enqueue queues a report for submission and returns the queued record.
// An idempotency key is assigned if the report does not carry one.
func (o *Outbox) Enqueue(report ReportOptions) *QueuedReport {
	if report.IdempotencyKey == "" {
		report.IdempotencyKey = uuid.NewString()
	}
	r := &QueuedReport{
		ID:        uuid.NewString(),
		Report:    report,
		Status:    ReportPending,
		CreatedAt: time.Now(),
	}
	o.store.Put(r)
	return r
}

// Pending returns queued reports that have not yet been sent, oldest first.
func (o *Outbox) Pending() []*QueuedReport {
	var out []*QueuedReport
	for _, r := range o.store.List() {
		if r.Status == ReportPending {
			out = append(out, r)
		}
	}
	return out
}

// Flush submits every pending report in queue order. A report that fails
// with a client error (HTTP 4xx) is marked failed immediately; transport
// and server errors count against the retry limit. Concurrent flushes
// coalesce: a second caller returns immediately with an empty result.
func (o *Outbox) Flush(ctx context.Context) FlushResult {
	o.mu.Lock()
	if o.flushing {
		o.mu.Unlock()
		return FlushResult{}
	}
	o.flushing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.flushing = false
		o.mu.Unlock()
	}()

	var res FlushResult
	for _, r := range o.Pending() {
		if ctx.Err() != nil {
			break
		}
		_, err := o.client.ReportEmergency(ctx, &r.Report)
		if err == nil {
			r.Status = ReportSent
			r.SentAt = time.Now()
			r.LastError = ""
			o.store.Put(r)
			res.Sent++
			continue
		}

		r.Retries++
		r.LastError = err.Error()
		var apiErr *APIError
		permanent := errors.As(err, &apiErr) && apiErr.Status < 500
		if permanent || r.Retries >= o.opts.RetryLimit {
			r.Status = ReportFailed
			res.Failed++
			o.opts.Logf("rapidrespond: outbox report %s failed permanently: %v", r.ID, err)
		} else {
			o.opts.Logf("rapidrespond: outbox report %s failed (attempt %d/%d): %v",
				r.ID, r.Retries, o.opts.RetryLimit, err)
		}
		o.store.Put(r)
	}
	res.Remaining = len(o.Pending())
	return res
}

// Start launches a background goroutine that flushes the outbox
// periodically until Stop is called or the context is cancelled.
func (o *Outbox) Start(ctx context.Context) {
	o.mu.Lock()
	if o.stop != nil {
		o.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	o.stop = stop
	o.mu.Unlock()

	go func() {
		ticker := time.NewTicker(o.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				o.Flush(ctx)
			}
		}
	}()
}

// Stop halts the background flush goroutine. Safe to call when Start was
// never called.
func (o *Outbox) Stop() {
	o.mu.Lock()
	if o.stop != nil {
		close(o.stop)
		o.stop = nil
	}
	o.mu.Unlock()
}
