package domain

import "time"

// LocationSample is one position fix.
type LocationSample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"` // meters
	Timestamp time.Time `json:"timestamp"`
}

// Valid reports whether the coordinates are within WGS84 bounds.
func (s LocationSample) Valid() bool {
	return s.Lat >= -90 && s.Lat <= 90 && s.Lng >= -180 && s.Lng <= 180
}

// HelperLocation is the payload of helper:location.
type HelperLocation struct {
	ServiceID string    `json:"serviceId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	At        time.Time `json:"-"`
}
