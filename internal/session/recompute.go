package session

import (
	"sort"

	"github.com/example/companion-matching/internal/geo"
	"github.com/example/companion-matching/internal/models"
)

// Recompute derives the eligible candidate list from explicit inputs.
// It is a pure function: no session state is captured, which keeps
// every pass deterministic for a given position, destination and
// record set.
//
// Eligibility is destination agreement only; distance from the local
// position drives ordering and the display zone but never excludes a
// candidate. The local traveler's own record is always skipped.
func Recompute(localID string, localPos models.Coordinate, localDest models.Coordinate, records []models.ActiveRecord, profiles map[string]models.Profile) []models.Candidate {
	out := make([]models.Candidate, 0, len(records))
	for _, rec := range records {
		if rec.TravelerID == localID {
			continue
		}
		if !geo.DestinationsMatch(rec.Destination.Coord, localDest) {
			continue
		}
		d := geo.Distance(localPos, rec.CurrentCoord)
		c := models.Candidate{
			TravelerID:     rec.TravelerID,
			Record:         rec,
			DistanceMeters: d,
			Zone:           string(geo.ZoneFor(d)),
			IsNear:         d <= geo.NearRadiusMeters,
		}
		if p, ok := profiles[rec.TravelerID]; ok {
			c.Profile = p
		} else {
			c.Profile = models.Profile{TravelerID: rec.TravelerID, CohortTag: rec.CohortTag, ContactRef: rec.ContactRef}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].TravelerID < out[j].TravelerID
	})
	return out
}
