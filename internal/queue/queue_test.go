package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestParseTopicProperties(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		expected   map[string]string
		partitions int
	}{
		{
			name:       "single partition",
			input:      "partitions:1",
			expected:   map[string]string{"partitions": "1"},
			partitions: 1,
		},
		{
			name:       "multiple properties with spaces",
			input:      " retention.ms:604800000 ; partitions:10 ",
			expected:   map[string]string{"retention.ms": "604800000", "partitions": "10"},
			partitions: 10,
		},
		{
			name:       "malformed pairs are skipped",
			input:      "partitions;:5;cleanup.policy:delete",
			expected:   map[string]string{"cleanup.policy": "delete"},
			partitions: 3,
		},
		{
			name:       "empty string",
			input:      "",
			expected:   map[string]string{},
			partitions: 3,
		},
		{
			name:       "invalid partition count falls back",
			input:      "partitions:zero",
			expected:   map[string]string{"partitions": "zero"},
			partitions: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			props := ParseTopicProperties(tt.input)
			if len(props) != len(tt.expected) {
				t.Fatalf("ParseTopicProperties(%q) = %v, want %v", tt.input, props, tt.expected)
			}
			for k, v := range tt.expected {
				if props[k] != v {
					t.Errorf("ParseTopicProperties(%q)[%q] = %q, want %q", tt.input, k, props[k], v)
				}
			}
			if got := props.Partitions(3); got != tt.partitions {
				t.Errorf("Partitions(3) = %d, want %d", got, tt.partitions)
			}
		})
	}
}

func TestTopicService(t *testing.T) {
	tests := []struct {
		name          string
		prefix        string
		topic         string
		expectedTopic string
		expectedReply string
	}{
		{
			name:          "no prefix",
			prefix:        "",
			topic:         "tb_housekeeper",
			expectedTopic: "tb_housekeeper",
			expectedReply: "tb_transport.api.responses.node-1",
		},
		{
			name:          "with prefix",
			prefix:        "staging",
			topic:         "tb_housekeeper",
			expectedTopic: "staging.tb_housekeeper",
			expectedReply: "staging.tb_transport.api.responses.node-1",
		},
		{
			name:          "blank prefix is ignored",
			prefix:        "   ",
			topic:         "tb_core",
			expectedTopic: "tb_core",
			expectedReply: "tb_transport.api.responses.node-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewTopicService(tt.prefix)
			if got := svc.BuildTopicName(tt.topic); got != tt.expectedTopic {
				t.Errorf("BuildTopicName(%q) = %q, want %q", tt.topic, got, tt.expectedTopic)
			}
			if got := svc.ResponseTopic("tb_transport.api.responses", "node-1"); got != tt.expectedReply {
				t.Errorf("ResponseTopic() = %q, want %q", got, tt.expectedReply)
			}
		})
	}
}

func TestHeaders(t *testing.T) {
	h := Headers{}
	h.Set(HeaderReplyTopic, "responses.node-1")

	if got := h.Get(HeaderReplyTopic); got != "responses.node-1" {
		t.Errorf("Get() = %q, want %q", got, "responses.node-1")
	}
	if got := h.Get("missing"); got != "" {
		t.Errorf("Get(missing) = %q, want empty", got)
	}

	clone := h.Clone()
	clone[HeaderReplyTopic][0] = 'X'
	if got := h.Get(HeaderReplyTopic); got != "responses.node-1" {
		t.Errorf("Clone() shares backing arrays, original became %q", got)
	}

	var nilHeaders Headers
	if nilHeaders.Get("any") != "" {
		t.Error("Get() on nil headers should return empty string")
	}
	if nilHeaders.Clone() != nil {
		t.Error("Clone() on nil headers should return nil")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "timeout", err: ErrTimeout, expected: true},
		{name: "wrapped timeout", err: fmt.Errorf("send: %w", ErrTimeout), expected: true},
		{name: "capacity", err: ErrCapacityExceeded, expected: true},
		{name: "publish", err: &PublishError{Topic: "requests", Err: errors.New("connection refused")}, expected: true},
		{name: "shutdown", err: ErrShutdown, expected: false},
		{name: "handler", err: &HandlerError{Message: "boom"}, expected: false},
		{name: "context cancelled", err: context.Canceled, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestPublishErrorUnwrap(t *testing.T) {
	cause := errors.New("nsqd unavailable")
	err := error(&PublishError{Topic: "tb_housekeeper", Err: cause})

	if !errors.Is(err, cause) {
		t.Error("PublishError should unwrap to its cause")
	}
	if err.Error() != "queue: publish to tb_housekeeper failed: nsqd unavailable" {
		t.Errorf("Error() = %q", err.Error())
	}
}
