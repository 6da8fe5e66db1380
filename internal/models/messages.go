package models

import (
	"time"
)

// ProgressMessage is published on ota.device.<mac>.progress while a
// flash session is running. Progress is a fraction in [0,1].
type ProgressMessage struct {
	MAC      MACAddress `json:"mac"`
	State    string     `json:"state"`
	Progress float64    `json:"progress"`
	Sent     int        `json:"sent"`
	Total    int        `json:"total"`
	Version  string     `json:"version,omitempty"`
	Time     time.Time  `json:"time"`
}

// StateMessage is published on ota.device.<mac>.state whenever the
// device's update lifecycle state changes.
type StateMessage struct {
	MAC              MACAddress  `json:"mac"`
	State            DeviceState `json:"state"`
	CurrentVersion   string      `json:"currentVersion,omitempty"`
	AvailableVersion string      `json:"availableVersion,omitempty"`
	Error            string      `json:"error,omitempty"`
	Time             time.Time   `json:"time"`
}
