package logging

import "strings"

// NSQLogger adapts a Logger to the Output(calldepth, s) interface go-nsq expects.
type NSQLogger struct {
	logger    *Logger
	component string
}

func NewNSQLogger(logger *Logger, component string) *NSQLogger {
	return &NSQLogger{logger: logger, component: component}
}

// Output receives lines such as "INF    1 [topic/channel] (nsqd:4150) connecting to nsqd"
func (n *NSQLogger) Output(_ int, s string) error {
	entry := n.logger.Plain().WithField("component", n.component)
	level, msg := splitNSQLine(s)
	switch level {
	case "DBG":
		entry.Debug(msg)
	case "WRN":
		entry.Warn(msg)
	case "ERR":
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

func splitNSQLine(s string) (string, string) {
	s = strings.TrimSpace(s)
	if len(s) >= 3 {
		switch prefix := s[:3]; prefix {
		case "DBG", "INF", "WRN", "ERR":
			return prefix, strings.TrimSpace(s[3:])
		}
	}
	return "INF", s
}
