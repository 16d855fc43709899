package storage

import "fmt"

const (
	// DeviceStatusAccepted marks a device the user approved during pairing.
	DeviceStatusAccepted = "accepted"
	// DeviceStatusRejected marks a device the user explicitly declined.
	// Rejected devices are remembered so they never re-prompt.
	DeviceStatusRejected = "rejected"
	// DeviceStatusPending marks a device whose pairing has not resolved.
	DeviceStatusPending = "pending"
)

// Device is a persisted trust record for one remote device.
type Device struct {
	UUID          string
	DisplayName   string
	PublicKey     string
	SharedSecret  string
	Status        string
	NeedsReverify bool
	LastIP        *string
	LastPort      *int
	CreatedAt     int64
	UpdatedAt     int64
}

// Notification is one immutable merged-history record.
type Notification struct {
	Key         string `json:"key"`
	PackageName string `json:"package_name"`
	AppName     string `json:"app_name"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	Time        int64  `json:"time"`
	Device      string `json:"device"`
}

func validateDeviceStatus(status string) error {
	switch status {
	case DeviceStatusAccepted, DeviceStatusRejected, DeviceStatusPending:
		return nil
	default:
		return fmt.Errorf("invalid device status %q", status)
	}
}
