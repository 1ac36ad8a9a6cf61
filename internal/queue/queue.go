// Package queue defines the QueuedRequest model and the in-process queue
// manager that sits between the durable store and the sync engine,
// enforcing priority-with-FIFO-within-class ordering.
package queue

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mircdj/rest-sync-lite/internal/idgen"
)

// Priority determines drain order: lower numeric value drains first.
// Within a priority class, requests drain in insertion (FIFO) order.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// Status is the lifecycle state of a queued request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// QueuedRequest is a single HTTP request awaiting (re)delivery.
type QueuedRequest struct {
	ID            int64
	RequestID     string
	Method        string
	URL           string
	Headers       http.Header
	Body          idgen.Body
	Priority      Priority
	Status        Status
	Attempts      int
	MaxRetries    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	NextAttemptAt *time.Time
	LastError     string
}

// EncodeHeaders serializes an http.Header into its stored JSON form.
func EncodeHeaders(h http.Header) (string, error) {
	if h == nil {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeHeaders parses the stored JSON header form back into http.Header.
func DecodeHeaders(s string) (http.Header, error) {
	if s == "" {
		return http.Header{}, nil
	}
	var h http.Header
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, err
	}
	if h == nil {
		h = http.Header{}
	}
	return h, nil
}
