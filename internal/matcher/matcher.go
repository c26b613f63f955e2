package matcher

import (
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Service picks the nearest eligible driver for a pickup point. Matching is
// read-only: it performs no side effects and is safe to call repeatedly.
type Service struct {
	Geo      geo.Geo
	RadiusKm float64
	TopN     int
}

const defaultTopN = 50

// FindCandidate returns the nearest driver within the configured radius, or
// ok=false when no eligible driver exists. An empty index is a normal
// outcome, not an error.
func (s *Service) FindCandidate(pickup models.Coord, now time.Time) (geo.Candidate, bool) {
	limit := s.TopN
	if limit <= 0 {
		limit = defaultTopN
	}
	cands := s.Geo.Nearby(pickup, s.RadiusKm, limit, now)
	if len(cands) == 0 {
		observability.MatchMissesTotal.Inc()
		return geo.Candidate{}, false
	}
	observability.MatchesTotal.Inc()
	return cands[0], true
}
