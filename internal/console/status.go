package console

import "fmt"

// Status is the user-facing state string of a console session.
type Status string

const (
	StatusNotConnected     Status = "Not connected"
	StatusConnecting       Status = "Connecting..."
	StatusConnected        Status = "Connected"
	StatusRecoveryMode     Status = "Recovery mode"
	StatusUnsupported      Status = "Unsupported"
	StatusFailed           Status = "Failed"
	StatusUpgradeAvailable Status = "Upgrade available"
	StatusRebooting        Status = "Rebooting"
	StatusWaiting          Status = "Waiting..."
)

// Sending is the upload progress status.
func Sending(percent int) Status {
	return Status(fmt.Sprintf("Sending...%d%%", percent))
}

// Upgrading is the firmware transfer progress status.
func Upgrading(percent int) Status {
	return Status(fmt.Sprintf("Upgrading...%d%%", percent))
}

// idle reports whether s is a resting state rather than a protocol step.
func (s Status) idle() bool {
	switch s {
	case StatusConnected, StatusUpgradeAvailable, StatusRecoveryMode:
		return true
	}
	return false
}
