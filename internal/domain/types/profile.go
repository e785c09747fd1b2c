package types

import "time"

// Profile is the local device's account record.
type Profile struct {
	User         UserID    `json:"user"`
	Device       DeviceID  `json:"device"`
	DirectoryURL string    `json:"directory_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Address returns the profile's own device address.
func (p Profile) Address() Address { return Address{User: p.User, Device: p.Device} }
