package transportapi

import (
	"time"

	"github.com/austindbirch/harbor_queue/internal/config"
	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/queue/broker"
	"github.com/austindbirch/harbor_queue/internal/rpc"
)

const ResponderGroup = "transport-api"

type (
	Dispatcher = rpc.Dispatcher[ValidateTokenRequest, ValidateTokenResponse]
	Responder  = rpc.Responder[ValidateTokenRequest, ValidateTokenResponse]
)

// NewDispatcher builds the requesting side. Responses arrive on the private
// response topic of this instance, consumed in a group named after the service id.
func NewDispatcher(b *broker.Broker, cfg config.RPC, serviceID string, stopTimeout time.Duration, logger *logging.Logger) (*Dispatcher, error) {
	producer, err := b.Producer(cfg.RequestTopic)
	if err != nil {
		return nil, err
	}
	c, err := b.Consumer(b.ResponseTopic(), serviceID)
	if err != nil {
		return nil, err
	}
	return rpc.NewDispatcher[ValidateTokenRequest, ValidateTokenResponse](rpc.DispatcherConfig{
		Name:               "transport-api-client",
		RequestTopic:       producer.DefaultTopic(),
		ResponseTopic:      b.ResponseTopic(),
		PollInterval:       cfg.PollInterval,
		MaxPendingRequests: cfg.MaxPendingRequests,
		MaxRequestTimeout:  cfg.MaxRequestTimeout,
		StopTimeout:        stopTimeout,
	}, producer, c, b.Admin(), logger), nil
}

// NewResponder builds the serving side on the shared request topic
func NewResponder(b *broker.Broker, cfg config.RPC, stopTimeout time.Duration, logger *logging.Logger) (*Responder, error) {
	requestTopic := b.Topic(cfg.RequestTopic)
	c, err := b.Consumer(requestTopic, ResponderGroup)
	if err != nil {
		return nil, err
	}
	producer, err := b.Producer(cfg.ResponseTopic)
	if err != nil {
		return nil, err
	}
	return rpc.NewResponder[ValidateTokenRequest, ValidateTokenResponse](rpc.ResponderConfig{
		Name:               "transport-api",
		RequestTopic:       requestTopic,
		PollInterval:       cfg.PollInterval,
		MaxPendingRequests: cfg.MaxPendingRequests,
		RequestTimeout:     cfg.RequestTimeout,
		CallbackThreads:    cfg.CallbackThreads,
		StopTimeout:        stopTimeout,
	}, c, producer, b.Admin(), logger), nil
}
