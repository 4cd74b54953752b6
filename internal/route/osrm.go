package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/companion-matching/internal/models"
)

// Client is the route overlay collaborator: given two coordinates it
// returns a polyline plus distance and duration, or fails.
type Client interface {
	Route(ctx context.Context, from, to models.Coordinate) (models.RouteLeg, error)
}

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	HTTP     *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, HTTP: &http.Client{Timeout: 2 * time.Second}}
}

// Route queries OSRM /route between the two points.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coordinate) (models.RouteLeg, error) {
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=polyline",
		o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.RouteLeg{}, err
	}
	resp, err := o.HTTP.Do(req)
	if err != nil {
		return models.RouteLeg{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Geometry string  `json:"geometry"`
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.RouteLeg{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.RouteLeg{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	r := out.Routes[0]
	return models.RouteLeg{Polyline: r.Geometry, DistanceMeters: r.Distance, DurationSeconds: r.Duration}, nil
}
