//go:build windows

package notify

import (
	"golang.org/x/sys/windows"
)

const (
	mbOK              = 0x00000000
	mbIconError       = 0x00000010
	mbIconWarning     = 0x00000030
	mbIconInformation = 0x00000040
	mbSetForeground   = 0x00010000
	mbTopmost         = 0x00040000
)

// Desktop shows message boxes.
type Desktop struct{}

// System is the platform notifier.
func System() Notifier { return Desktop{} }

func (Desktop) Info(title, msg string) {
	go show(title, msg, mbIconInformation)
}

func (Desktop) Warn(title, msg string) {
	go show(title, msg, mbIconWarning)
}

func (Desktop) Fatal(title, msg string) {
	show(title, msg, mbIconError|mbTopmost)
}

func show(title, msg string, icon uint32) {
	t, err := windows.UTF16PtrFromString(title)
	if err != nil {
		return
	}
	m, err := windows.UTF16PtrFromString(msg)
	if err != nil {
		return
	}
	_, _ = windows.MessageBox(0, m, t, mbOK|mbSetForeground|icon)
}
