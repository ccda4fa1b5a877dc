package queue

import (
	"strconv"
	"strings"
)

const PropPartitions = "partitions"

// TopicProperties are broker-specific topic settings, e.g. "partitions".
type TopicProperties map[string]string

// ParseTopicProperties parses "key:value;key:value" property strings.
// Malformed pairs are skipped.
func ParseTopicProperties(s string) TopicProperties {
	props := TopicProperties{}
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		props[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return props
}

// Partitions returns the configured partition count, or def when unset or invalid
func (p TopicProperties) Partitions(def int) int {
	if v, ok := p[PropPartitions]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// TopicService builds fully qualified topic names from an optional deployment prefix.
type TopicService struct {
	prefix string
}

func NewTopicService(prefix string) TopicService {
	return TopicService{prefix: strings.TrimSpace(prefix)}
}

// BuildTopicName prepends the prefix, if any
func (s TopicService) BuildTopicName(topic string) string {
	if s.prefix == "" {
		return topic
	}
	return s.prefix + "." + topic
}

// ResponseTopic is the private response topic of one service instance
func (s TopicService) ResponseTopic(base, serviceID string) string {
	return s.BuildTopicName(base + "." + serviceID)
}
