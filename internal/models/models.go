package models

import "time"

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Destination is a named place a traveler is heading to.
type Destination struct {
	Name  string     `json:"name"`
	Coord Coordinate `json:"coord"`
}

// Profile holds identity-stable traveler attributes. Owned by the
// identity collaborator; display name and contact may change, the rest
// is fixed at registration.
type Profile struct {
	TravelerID  string `json:"traveler_id"`
	DisplayName string `json:"display_name"`
	CohortTag   string `json:"cohort_tag"`
	ContactRef  string `json:"contact_ref"`
}

// ActiveRecord is the unit of presence: it exists only while a traveler
// is online. Exactly one record per traveler id at any time; publishing
// a second replaces the first.
type ActiveRecord struct {
	TravelerID   string      `json:"traveler_id"`
	CohortTag    string      `json:"cohort_tag"`
	Destination  Destination `json:"destination"`
	CurrentCoord Coordinate  `json:"current_coord"`
	ContactRef   string      `json:"contact_ref"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Candidate is a derived match view, recomputed fresh on every pass and
// never persisted. Zone and IsNear are both functions of DistanceMeters.
type Candidate struct {
	TravelerID     string       `json:"traveler_id"`
	Profile        Profile      `json:"profile"`
	Record         ActiveRecord `json:"record"`
	DistanceMeters float64      `json:"distance_meters"`
	Zone           string       `json:"zone"`
	IsNear         bool         `json:"is_near"`
}

// Sample is one reading from a position source.
type Sample struct {
	Coord   Coordinate `json:"coord"`
	Heading *float64   `json:"heading,omitempty"`
	At      time.Time  `json:"at"`
}

// LocationReport is the wire form of a device position report, also
// used as the Kafka message payload on the traveler-locations topic.
type LocationReport struct {
	TravelerID string     `json:"traveler_id"`
	CohortTag  string     `json:"cohort_tag"`
	Coord      Coordinate `json:"coord"`
	Heading    *float64   `json:"heading,omitempty"`
	At         time.Time  `json:"at"`
}

// RouteLeg is the route overlay result between the local traveler and
// one selected match.
type RouteLeg struct {
	Polyline        string  `json:"polyline"`
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// CostSplit records a pair of payment holds backing a shared trip.
type CostSplit struct {
	ID          string    `json:"id"`
	TravelerID  string    `json:"traveler_id"`
	MatchID     string    `json:"match_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	HoldRefs    []string  `json:"hold_refs"`
	CreatedAt   time.Time `json:"created_at"`
}
