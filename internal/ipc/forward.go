package ipc

import "github.com/sirupsen/logrus"

// ForwardRecord re-emits a record received from an injected module.
func ForwardRecord(log *logrus.Entry, rec Record) {
	fields := logrus.Fields{"remote_target": rec.Target}
	if rec.Filename != nil {
		fields["remote_file"] = *rec.Filename
	}
	if rec.LineNumber != nil {
		fields["remote_line"] = *rec.LineNumber
	}
	if rec.Span != nil {
		fields["span"] = rec.Span
	}
	if len(rec.Spans) > 0 {
		fields["spans"] = rec.Spans
	}
	for k, v := range rec.Fields {
		if k == "message" {
			continue
		}
		fields[k] = v
	}
	log.WithFields(fields).Log(parseLevel(rec.Level), rec.Message())
}
