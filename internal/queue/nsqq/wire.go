// Package nsqq backs the queue abstractions with NSQ.
package nsqq

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_queue/internal/queue"
)

// envelope is the body of every NSQ message; NSQ has no native key or headers.
type envelope struct {
	Key     uuid.UUID         `json:"key"`
	Headers map[string][]byte `json:"headers,omitempty"`
	Value   []byte            `json:"value"`
}

func encode(msg queue.Msg) ([]byte, error) {
	return json.Marshal(envelope{Key: msg.Key, Headers: msg.Headers, Value: msg.Value})
}

func decode(body []byte) (queue.Msg, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return queue.Msg{}, fmt.Errorf("nsqq: decode envelope: %w", err)
	}
	return queue.Msg{Key: env.Key, Headers: queue.Headers(env.Headers), Value: env.Value}, nil
}
