// Package notify surfaces conditions that need a human: a missing target,
// a refused handle, a broken install.
package notify

import "github.com/sirupsen/logrus"

// Notifier shows user-facing messages. Info and Warn return immediately;
// Fatal blocks until the user dismissed it.
type Notifier interface {
	Info(title, msg string)
	Warn(title, msg string)
	Fatal(title, msg string)
}

// LogNotifier writes notifications to a logrus entry instead of the desktop.
type LogNotifier struct {
	Log *logrus.Entry
}

func (n LogNotifier) entry() *logrus.Entry {
	if n.Log == nil {
		return logrus.WithField("component", "notify")
	}
	return n.Log
}

func (n LogNotifier) Info(title, msg string) {
	n.entry().WithField("title", title).Info(msg)
}

func (n LogNotifier) Warn(title, msg string) {
	n.entry().WithField("title", title).Warn(msg)
}

func (n LogNotifier) Fatal(title, msg string) {
	n.entry().WithField("title", title).Error(msg)
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Info(title, msg string) {
	for _, n := range m {
		n.Info(title, msg)
	}
}

func (m Multi) Warn(title, msg string) {
	for _, n := range m {
		n.Warn(title, msg)
	}
}

func (m Multi) Fatal(title, msg string) {
	for _, n := range m {
		n.Fatal(title, msg)
	}
}
