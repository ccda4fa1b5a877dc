package nsqq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/austindbirch/harbor_queue/internal/queue"
)

// Admin drives the nsqd HTTP API. NSQ topics are not partitioned, so the
// partitions property is accepted and ignored.
type Admin struct {
	baseURL string
	client  *http.Client
}

func NewAdmin(nsqdHTTPAddr string) *Admin {
	return &Admin{
		baseURL: httpBase(nsqdHTTPAddr),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func httpBase(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + strings.TrimRight(addr, "/")
}

func (a *Admin) CreateTopicIfNotExists(ctx context.Context, topic string, props queue.TopicProperties) error {
	if err := a.post(ctx, "/topic/create", url.Values{"topic": {topic}}); err != nil {
		return err
	}
	if ch := props["channel"]; ch != "" {
		return a.post(ctx, "/channel/create", url.Values{"topic": {topic}, "channel": {ch}})
	}
	return nil
}

func (a *Admin) DeleteTopic(ctx context.Context, topic string) error {
	return a.post(ctx, "/topic/delete", url.Values{"topic": {topic}})
}

// Ping checks nsqd liveness
func (a *Admin) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("nsqd ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd ping: status %d", resp.StatusCode)
	}
	return nil
}

// Stats mirrors the parts of nsqd /stats?format=json this package reads.
type Stats struct {
	Topics []TopicStats `json:"topics"`
}

type TopicStats struct {
	TopicName string         `json:"topic_name"`
	Depth     int64          `json:"depth"`
	Channels  []ChannelStats `json:"channels"`
}

type ChannelStats struct {
	ChannelName   string `json:"channel_name"`
	Depth         int64  `json:"depth"`
	InFlightCount int64  `json:"in_flight_count"`
}

// Stats fetches nsqd statistics, optionally limited to one topic
func (a *Admin) Stats(ctx context.Context, topic string) (*Stats, error) {
	q := url.Values{"format": {"json"}}
	if topic != "" {
		q.Set("topic", topic)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/stats?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get NSQ stats: status %d", resp.StatusCode)
	}
	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	return &stats, nil
}

func (a *Admin) post(ctx context.Context, path string, q url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("nsqd %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("nsqd %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
