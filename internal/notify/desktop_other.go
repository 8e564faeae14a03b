//go:build !windows

package notify

// System is the platform notifier. Without a desktop backend it logs.
func System() Notifier { return LogNotifier{} }
