package ipc

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Hook forwards logrus entries over a Client.
type Hook struct {
	Client *Client
	// Target labels records whose entry has no "target" field.
	Target string
	levels []logrus.Level
}

// NewHook forwards entries at level and above.
func NewHook(c *Client, target string, level logrus.Level) *Hook {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= level {
			levels = append(levels, l)
		}
	}
	return &Hook{Client: c, Target: target, levels: levels}
}

func (h *Hook) Levels() []logrus.Level { return h.levels }

func (h *Hook) Fire(e *logrus.Entry) error {
	if !h.Client.Connected() {
		return nil
	}
	rec := Record{
		Level:  levelName(e.Level),
		Target: h.Target,
		Fields: make(map[string]any, len(e.Data)+1),
	}
	for k, v := range e.Data {
		if k == "target" {
			if s, ok := v.(string); ok {
				rec.Target = s
				continue
			}
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		rec.Fields[k] = v
	}
	rec.Fields["message"] = e.Message
	if e.HasCaller() {
		file, line := e.Caller.File, uint32(e.Caller.Line)
		rec.Filename, rec.LineNumber = &file, &line
	}
	h.Client.Send(rec)
	return nil
}

func levelName(l logrus.Level) string {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return "ERROR"
	case logrus.WarnLevel:
		return "WARN"
	case logrus.InfoLevel:
		return "INFO"
	case logrus.DebugLevel:
		return "DEBUG"
	}
	return "TRACE"
}

func parseLevel(s string) logrus.Level {
	switch strings.ToUpper(s) {
	case "ERROR":
		return logrus.ErrorLevel
	case "WARN":
		return logrus.WarnLevel
	case "INFO":
		return logrus.InfoLevel
	case "DEBUG":
		return logrus.DebugLevel
	}
	return logrus.TraceLevel
}
