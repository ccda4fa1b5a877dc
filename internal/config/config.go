package config

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Queue struct {
	Type           string // "nsq" or "memory"
	Prefix         string // prepended to every topic name
	ServiceID      string // unique per instance; names the private response topic
	Partitions     int    // default partitions for the in-memory broker
	MaxPollRecords int
}

type NSQ struct {
	NsqdTCPAddr     string   // e.g. nsqd:4150
	NsqdHTTPAddr    string   // e.g. nsqd:4151
	LookupHTTPAddrs []string // e.g. http://nsqlookupd:4161
	MsgTimeout      time.Duration
	StatsInterval   time.Duration
}

type RPC struct {
	RequestTopic       string
	ResponseTopic      string // base name; the service id is appended
	PollInterval       time.Duration
	MaxPendingRequests int
	MaxRequestTimeout  time.Duration
	RequestTimeout     time.Duration
	CallbackThreads    int
}

type Housekeeper struct {
	Topic                   string
	ReprocessingTopic       string
	NotificationTopic       string // empty disables topic notifications
	PollInterval            time.Duration
	TaskProcessingTimeout   time.Duration
	MaxReprocessingAttempts int
	TaskReprocessingDelay   time.Duration
	DisabledTaskTypes       []string
	StoreFailures           bool // persist failure notifications in Postgres
	EnsureSchema            bool
}

type Stats struct {
	Enabled       bool
	PrintInterval time.Duration
}

type Config struct {
	AppName     string
	HTTPPort    string // :8080
	LogLevel    string
	StopTimeout time.Duration
	DB          DB
	Queue       Queue
	NSQ         NSQ
	RPC         RPC
	Housekeeper Housekeeper
	Stats       Stats
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvList splits a comma separated value, dropping blanks
func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultServiceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "local"
}

func FromEnv() Config {
	return Config{
		AppName:     getenv("APP_NAME", "harbor-queue"),
		HTTPPort:    getenv("HTTP_PORT", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		StopTimeout: getenvDuration("STOP_TIMEOUT", 10*time.Second),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "harborqueue"),
		},
		Queue: Queue{
			Type:           getenv("QUEUE_TYPE", "nsq"),
			Prefix:         getenv("QUEUE_PREFIX", ""),
			ServiceID:      getenv("SERVICE_ID", defaultServiceID()),
			Partitions:     getenvInt("QUEUE_PARTITIONS", 10),
			MaxPollRecords: getenvInt("QUEUE_MAX_POLL_RECORDS", 500),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:    getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddrs: getenvList("NSQ_LOOKUP_HTTP_ADDRS", []string{"http://nsqlookupd:4161"}),
			MsgTimeout:      getenvDuration("NSQ_MSG_TIMEOUT", 5*time.Minute),
			StatsInterval:   getenvDuration("NSQ_STATS_INTERVAL", 15*time.Second),
		},
		RPC: RPC{
			RequestTopic:       getenv("RPC_REQUEST_TOPIC", "tb_transport.api.requests"),
			ResponseTopic:      getenv("RPC_RESPONSE_TOPIC", "tb_transport.api.responses"),
			PollInterval:       getenvDuration("RPC_POLL_INTERVAL", 25*time.Millisecond),
			MaxPendingRequests: getenvInt("RPC_MAX_PENDING_REQUESTS", 10000),
			MaxRequestTimeout:  getenvDuration("RPC_MAX_REQUEST_TIMEOUT", 10*time.Second),
			RequestTimeout:     getenvDuration("RPC_REQUEST_TIMEOUT", 10*time.Second),
			CallbackThreads:    getenvInt("RPC_CALLBACK_THREADS", 100),
		},
		Housekeeper: Housekeeper{
			Topic:                   getenv("HOUSEKEEPER_TOPIC", "tb_housekeeper"),
			ReprocessingTopic:       getenv("HOUSEKEEPER_REPROCESSING_TOPIC", "tb_housekeeper.reprocessing"),
			NotificationTopic:       getenv("HOUSEKEEPER_NOTIFICATION_TOPIC", ""),
			PollInterval:            getenvDuration("HOUSEKEEPER_POLL_INTERVAL", 500*time.Millisecond),
			TaskProcessingTimeout:   getenvDuration("HOUSEKEEPER_TASK_PROCESSING_TIMEOUT", 2*time.Minute),
			MaxReprocessingAttempts: getenvInt("HOUSEKEEPER_MAX_REPROCESSING_ATTEMPTS", 10),
			TaskReprocessingDelay:   getenvDuration("HOUSEKEEPER_TASK_REPROCESSING_DELAY", 3*time.Second),
			DisabledTaskTypes:       getenvList("HOUSEKEEPER_DISABLED_TASK_TYPES", nil),
			StoreFailures:           getenvBool("HOUSEKEEPER_STORE_FAILURES", true),
			EnsureSchema:            getenvBool("HOUSEKEEPER_ENSURE_SCHEMA", false),
		},
		Stats: Stats{
			Enabled:       getenvBool("STATS_ENABLED", true),
			PrintInterval: getenvDuration("STATS_PRINT_INTERVAL", time.Minute),
		},
	}
}

// DSN builds a postgres URL with the credentials escaped.
func (c Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Pass),
		Host:     net.JoinHostPort(c.DB.Host, c.DB.Port),
		Path:     "/" + c.DB.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
