// Package idgen provides identity generation and the retry backoff
// schedule shared by the queue and sync engine.
package idgen

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// NewID returns a new random v4 UUID string, used as the logical request
// id of a queued request when the caller supplies none (the database row
// id is a separate integer key).
func NewID() string {
	return uuid.NewString()
}

// Backoff computes the delay before retry attempt n (1-indexed): an
// exponential schedule capped at max, with up to 100ms of jitter added so
// that concurrently retried requests don't thunder together. The
// doubling itself is delegated to backoff.ExponentialBackOff with its
// own randomization disabled, since jitter width here is a hard spec
// constant rather than a proportional factor.
//
//	delay = min(base * 2^(n-1), max) + jitter[0,100ms)
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = eb.NextBackOff()
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Intn(100)) * time.Millisecond
	return d + jitter
}

// BodyKind tags which of the request-body shapes a Body holds, mirroring
// the runtime type checks the source does against null/text/blob/
// multipart/url-encoded/plain-object bodies.
type BodyKind int

const (
	BodyEmpty BodyKind = iota
	BodyText
	BodyBytes
	BodyMultipart
	BodyURLEncoded
	BodyJSON // produced by JSON-stringifying a plain map/struct at enqueue time
)

// Body is the tagged-union wire form of a request body: Data is the exact
// bytes to send (already serialized), and ContentType records the value
// to pair with it on the wire (set by SerializeBody for the shapes that
// imply one). The mediator and sync engine send it as the Content-Type
// header when the request carries no Content-Type of its own.
type Body struct {
	Kind        BodyKind
	Data        []byte
	ContentType string
}

// MultipartBody marks a pre-encoded multipart/form-data payload so
// SerializeBody stores it verbatim instead of JSON-marshaling it.
type MultipartBody struct {
	Data        []byte
	ContentType string // full header value, including boundary
}

// URLEncodedBody marks a pre-encoded application/x-www-form-urlencoded
// payload (e.g. "a=1&b=2") so SerializeBody stores it verbatim.
type URLEncodedBody string

// SerializeBody normalizes a request body into its tagged wire form.
// Body, string, []byte, MultipartBody, and URLEncodedBody pass through
// as the identity (their bytes are stored unchanged); any other value
// (maps, structs, slices) is JSON-marshaled into a BodyJSON. nil yields
// BodyEmpty.
func SerializeBody(body interface{}) (Body, error) {
	switch v := body.(type) {
	case nil:
		return Body{Kind: BodyEmpty}, nil
	case Body:
		return v, nil
	case []byte:
		return Body{Kind: BodyBytes, Data: v}, nil
	case string:
		return Body{Kind: BodyText, Data: []byte(v)}, nil
	case MultipartBody:
		return Body{Kind: BodyMultipart, Data: v.Data, ContentType: v.ContentType}, nil
	case URLEncodedBody:
		return Body{Kind: BodyURLEncoded, Data: []byte(v), ContentType: "application/x-www-form-urlencoded"}, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Body{}, fmt.Errorf("serialize body: %w", err)
		}
		return Body{Kind: BodyJSON, Data: b, ContentType: "application/json"}, nil
	}
}
