// Package queue defines the broker-neutral messaging primitives shared by the
// RPC and housekeeper components: envelopes, producers, consumers and topic admin.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known envelope header keys
const (
	HeaderReplyTopic = "reply_topic"
	HeaderExpireTime = "expire_time" // unix millis
	HeaderError      = "error"
	HeaderErrorKind  = "error_kind"
)

// Headers carries envelope metadata. Values are opaque bytes.
type Headers map[string][]byte

// Get returns the header value as a string, or "" when absent
func (h Headers) Get(key string) string {
	if h == nil {
		return ""
	}
	return string(h[key])
}

// Set stores a string header value
func (h Headers) Set(key, value string) {
	h[key] = []byte(value)
}

// Clone returns a deep copy of the headers
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Msg is the unit of exchange on a topic: a correlation key, an encoded value and headers.
// A Msg must not be modified after it was handed to a Producer.
type Msg struct {
	Key     uuid.UUID
	Value   []byte
	Headers Headers
}

// NewMsg builds a message with empty headers
func NewMsg(key uuid.UUID, value []byte) Msg {
	return Msg{Key: key, Value: value, Headers: Headers{}}
}

// Callback receives the broker acknowledgement for a sent message; err is nil on success.
type Callback func(err error)

// Producer publishes messages asynchronously.
type Producer interface {
	// DefaultTopic is the topic this producer was created for
	DefaultTopic() string
	// Send publishes msg to topic and reports the outcome through cb (which may be nil).
	// Send never blocks on the broker acknowledgement.
	Send(ctx context.Context, topic string, msg Msg, cb Callback)
	Stop()
}

// Consumer pulls batches of messages with at-least-once semantics.
// Messages returned by Poll are redelivered unless Commit is called.
type Consumer interface {
	Topic() string
	Subscribe(ctx context.Context) error
	Poll(ctx context.Context, timeout time.Duration) ([]Msg, error)
	Commit(ctx context.Context) error
	Unsubscribe() error
}

// Admin manages topics on the broker.
type Admin interface {
	CreateTopicIfNotExists(ctx context.Context, topic string, props TopicProperties) error
	DeleteTopic(ctx context.Context, topic string) error
}
