// Package logging configures logrus for the loader's console and log file.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Formatter prints [TIME] [SYMBOL] MESSAGE key=value...
type Formatter struct {
	// Color enables ANSI colors.
	Color bool
}

func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	const (
		red    = "\033[31m"
		yellow = "\033[33m"
		green  = "\033[32m"
		gray   = "\033[90m"
		reset  = "\033[0m"
		dim    = "\033[2m"
	)

	var color, symbol string
	switch entry.Level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		color, symbol = red, "[!]"
	case logrus.WarnLevel:
		color, symbol = yellow, "[~]"
	case logrus.InfoLevel:
		color, symbol = green, "[+]"
	default:
		color, symbol = gray, "[*]"
	}

	var b bytes.Buffer
	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	if f.Color {
		fmt.Fprintf(&b, "%s[%s]%s %s%s%s %s", dim, timestamp, reset, color, symbol, reset, entry.Message)
	} else {
		fmt.Fprintf(&b, "[%s] %s %s", timestamp, symbol, entry.Message)
	}

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(entry.Data[k])
		if strings.ContainsAny(v, " \t\"=") {
			v = fmt.Sprintf("%q", v)
		}
		if f.Color {
			fmt.Fprintf(&b, " %s%s=%s%s", dim, k, reset, v)
		} else {
			fmt.Fprintf(&b, " %s=%s", k, v)
		}
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// ParseLevel accepts the configuration names off, error, warn, info, debug
// and trace.
func ParseLevel(level string) (logrus.Level, bool, error) {
	if strings.EqualFold(level, "off") {
		return logrus.PanicLevel, true, nil
	}
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return 0, false, errors.Wrapf(err, "log level %q", level)
	}
	return l, false, nil
}

// Setup installs the formatter on the standard logger writing to w.
func Setup(level string, w io.Writer) error {
	l, off, err := ParseLevel(level)
	if err != nil {
		return err
	}
	if off {
		w = io.Discard
	}
	logrus.SetOutput(w)
	logrus.SetLevel(l)
	logrus.SetFormatter(&Formatter{Color: isTerminal(w)})
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
