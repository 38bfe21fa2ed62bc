package models

import (
	"time"
)

// Location is a geofence anchor: center plus an inclusive radius.
type Location struct {
	Lat          float64 `json:"lat" yaml:"lat"`
	Lng          float64 `json:"lng" yaml:"lng"`
	RadiusMeters float64 `json:"radius_meters" yaml:"radius_meters"`
}

// GeoPoint is a bare coordinate reported by a capture device or subject.
type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Session is one time-bounded occasion in which presence may be recorded.
// EventsEnabled is an explicit operator gate independent of the time window:
// no event may be recorded while it is false, regardless of the clock.
type Session struct {
	ID            string    `json:"id" db:"id"`
	GroupID       string    `json:"group_id" db:"group_id"`
	Title         string    `json:"title" db:"title"`
	StartsAt      time.Time `json:"starts_at" db:"starts_at"`
	EndsAt        time.Time `json:"ends_at" db:"ends_at"`
	Location      *Location `json:"location,omitempty" db:"location"`
	EventsEnabled bool      `json:"events_enabled" db:"events_enabled"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Active reports whether now falls inside the session window, inclusive
// at both ends.
func (s *Session) Active(now time.Time) bool {
	return !now.Before(s.StartsAt) && !now.After(s.EndsAt)
}
