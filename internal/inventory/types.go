package inventory

import "time"

// PendingONU is an ONU an OLT has seen on a PON port that has not been
// provisioned yet.
type PendingONU struct {
	SN        string    `json:"sn"`
	OltID     string    `json:"olt_id"`
	Board     int       `json:"board"`
	Port      int       `json:"port"`
	Model     string    `json:"model,omitempty"`
	Vendor    string    `json:"vendor,omitempty"`
	Firmware  string    `json:"firmware,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
}

// Filter narrows a pending-ONU listing. The zero value matches everything.
type Filter struct {
	OltID string
}

func (f Filter) Matches(onu PendingONU) bool {
	return f.OltID == "" || f.OltID == onu.OltID
}
