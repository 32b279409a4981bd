package types

import (
	"fmt"
	"math"
	"time"
)

// PowerState represents the desired or observed export mode of the plant.
type PowerState string

const (
	PowerLimited   PowerState = "LIMITED"
	PowerUnlimited PowerState = "UNLIMITED"
	// PowerUnknown is a live reading that matches neither configured setting.
	PowerUnknown PowerState = "UNKNOWN"
)

// PowerSetting is a grid export ceiling as the control surface sees it:
// either a numeric kW value or the vendor's "no limit" marker.
type PowerSetting struct {
	NoLimit bool    `json:"noLimit"`
	LimitKW float64 `json:"limitKW"`
}

// Equal compares two settings at the control surface's resolution. The
// surface accepts and renders kW with three decimals, so anything closer
// than 0.0005 kW is the same value. Any two "no limit" settings are equal.
func (p PowerSetting) Equal(o PowerSetting) bool {
	if p.NoLimit || o.NoLimit {
		return p.NoLimit == o.NoLimit
	}
	return math.Abs(p.LimitKW-o.LimitKW) < 0.0005
}

func (p PowerSetting) String() string {
	if p.NoLimit {
		return "no limit"
	}
	return fmt.Sprintf("%.3f kW", p.LimitKW)
}

// PowerDecision is the analyzer's verdict for a single instant.
type PowerDecision struct {
	Timestamp          time.Time  `json:"timestamp"`
	EURPerMWH          float64    `json:"eurPerMWH"`
	ThresholdEURPerMWH float64    `json:"thresholdEURPerMWH"`
	Daylight           bool       `json:"daylight"`
	State              PowerState `json:"state"`
}

// Credentials holds the control surface login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
