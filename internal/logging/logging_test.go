package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestFormatter(t *testing.T) {
	f := &Formatter{}
	at := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		level logrus.Level
		data  logrus.Fields
		want  string
	}{
		{logrus.InfoLevel, nil, "[2026-10-14 09:30:00] [+] hello\n"},
		{logrus.WarnLevel, logrus.Fields{"pid": 42, "attempt": "a1"}, "[2026-10-14 09:30:00] [~] hello attempt=a1 pid=42\n"},
		{logrus.ErrorLevel, logrus.Fields{"module": `C:\Program Files\x.dll`}, "[2026-10-14 09:30:00] [!] hello module=\"C:\\\\Program Files\\\\x.dll\"\n"},
		{logrus.DebugLevel, nil, "[2026-10-14 09:30:00] [*] hello\n"},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			e := &logrus.Entry{Time: at, Level: tt.level, Message: "hello", Data: tt.data}
			got, err := f.Format(e)
			if err != nil {
				t.Fatalf("Format: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("Format = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetup(t *testing.T) {
	defer logrus.SetOutput(logrus.StandardLogger().Out)
	defer logrus.SetLevel(logrus.GetLevel())

	var buf bytes.Buffer
	if err := Setup("debug", &buf); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	logrus.Debug("visible")
	if !strings.Contains(buf.String(), "[*] visible") {
		t.Fatalf("output = %q", buf.String())
	}

	buf.Reset()
	if err := Setup("off", &buf); err != nil {
		t.Fatalf("Setup off: %v", err)
	}
	logrus.Error("hidden")
	if buf.Len() != 0 {
		t.Fatalf("off level wrote %q", buf.String())
	}

	if err := Setup("loud", &buf); err == nil {
		t.Fatal("unknown level accepted")
	}
}
