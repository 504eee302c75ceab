// Package roadgraph answers "does this point look like an expressway?"
// against public OpenStreetMap services. Everything here is best-effort:
// queries run with short timeouts and sequential fallback across endpoints,
// and an unreachable service degrades to an unconfident result instead of an
// error reaching the detector.
package roadgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Koutacode/tracklog-pwa/internal/geo"
	"github.com/Koutacode/tracklog-pwa/internal/monitoring"
)

// Junction is a named motorway junction or toll gate near a point.
type Junction struct {
	Name      string  `json:"name"`
	DistanceM float64 `json:"distanceM"`
}

// Result is the corroboration answer for a point. When Confident is false
// the detector must treat the query as inconclusive and fall back to its
// speed-only heuristics.
type Result struct {
	Confident    bool      `json:"confident"`
	OnMotorway   bool      `json:"onMotorway"`
	NearJunction bool      `json:"nearJunction"`
	Junction     *Junction `json:"junction,omitempty"`
}

// Querier is what the detector and the annotation worker consume.
type Querier interface {
	// Corroborate reports whether the point sits on or near motorway
	// infrastructure. Never returns an error: failures yield Confident=false.
	Corroborate(ctx context.Context, lat, lng float64) Result
	// NearestInterchange finds the closest named junction within searchM.
	// Returns nil when the service answered but found nothing.
	NearestInterchange(ctx context.Context, lat, lng float64) (*Junction, error)
	// ReverseGeocode returns a human-readable address for the point.
	ReverseGeocode(ctx context.Context, lat, lng float64) (string, error)
}

// Search radii in metres.
const (
	motorwayRadiusM    = 150
	junctionRadiusM    = 400
	interchangeRadiusM = 2500
)

// Default public endpoints. Queried sequentially; the first answer wins.
var (
	DefaultOverpassEndpoints = []string{
		"https://overpass-api.de/api/interpreter",
		"https://overpass.kumi.systems/api/interpreter",
	}
	DefaultNominatimEndpoints = []string{
		"https://nominatim.openstreetmap.org",
	}
)

// Client queries Overpass for road-graph data and Nominatim for addresses.
type Client struct {
	overpass  []string
	nominatim []string
	timeout   time.Duration
	httpc     *http.Client
}

// ClientConfig configures a Client; zero values select the public defaults
// and a 4 s per-endpoint timeout.
type ClientConfig struct {
	OverpassEndpoints  []string
	NominatimEndpoints []string
	Timeout            time.Duration
	HTTPClient         *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		overpass:  cfg.OverpassEndpoints,
		nominatim: cfg.NominatimEndpoints,
		timeout:   cfg.Timeout,
		httpc:     cfg.HTTPClient,
	}
	if len(c.overpass) == 0 {
		c.overpass = DefaultOverpassEndpoints
	}
	if len(c.nominatim) == 0 {
		c.nominatim = DefaultNominatimEndpoints
	}
	if c.timeout <= 0 {
		c.timeout = 4 * time.Second
	}
	if c.httpc == nil {
		c.httpc = &http.Client{}
	}
	return c
}

// overpassElement is the subset of the Overpass JSON answer we read. Ways
// carry a computed center when queried with "out center".
type overpassElement struct {
	Type   string            `json:"type"`
	Lat    float64           `json:"lat"`
	Lon    float64           `json:"lon"`
	Center *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"center,omitempty"`
	Tags map[string]string `json:"tags"`
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

// Corroborate implements Querier.
func (c *Client) Corroborate(ctx context.Context, lat, lng float64) Result {
	query := fmt.Sprintf(`[out:json][timeout:%d];
(
  way(around:%d,%f,%f)[highway~"^motorway(_link)?$"];
  node(around:%d,%f,%f)[highway=motorway_junction];
  node(around:%d,%f,%f)[barrier=toll_booth];
);
out center 30;`,
		int(c.timeout.Seconds()), motorwayRadiusM, lat, lng,
		junctionRadiusM, lat, lng, junctionRadiusM, lat, lng)

	resp, err := c.runOverpass(ctx, query)
	if err != nil {
		monitoring.Logf("Roadgraph: corroboration unavailable at (%.5f, %.5f): %v", lat, lng, err)
		return Result{}
	}

	r := Result{Confident: true}
	for i := range resp.Elements {
		el := &resp.Elements[i]
		switch {
		case el.Type == "way" && strings.HasPrefix(el.Tags["highway"], "motorway"):
			r.OnMotorway = true
		case el.Tags["highway"] == "motorway_junction" || el.Tags["barrier"] == "toll_booth":
			r.NearJunction = true
			if j := junctionOf(el, lat, lng); j != nil &&
				(r.Junction == nil || j.DistanceM < r.Junction.DistanceM) {
				r.Junction = j
			}
		}
	}
	return r
}

// NearestInterchange implements Querier.
func (c *Client) NearestInterchange(ctx context.Context, lat, lng float64) (*Junction, error) {
	query := fmt.Sprintf(`[out:json][timeout:%d];
node(around:%d,%f,%f)[highway=motorway_junction][name];
out 50;`,
		int(c.timeout.Seconds()), interchangeRadiusM, lat, lng)

	resp, err := c.runOverpass(ctx, query)
	if err != nil {
		return nil, err
	}

	var nearest *Junction
	for i := range resp.Elements {
		if j := junctionOf(&resp.Elements[i], lat, lng); j != nil &&
			(nearest == nil || j.DistanceM < nearest.DistanceM) {
			nearest = j
		}
	}
	return nearest, nil
}

// junctionOf converts a named element to a Junction with its distance from
// the query point. Returns nil for unnamed elements.
func junctionOf(el *overpassElement, lat, lng float64) *Junction {
	name := el.Tags["name"]
	if name == "" {
		return nil
	}
	elLat, elLng := el.Lat, el.Lon
	if el.Center != nil {
		elLat, elLng = el.Center.Lat, el.Center.Lon
	}
	return &Junction{
		Name:      name,
		DistanceM: geo.DistanceM(lat, lng, elLat, elLng),
	}
}

// runOverpass posts the query to each endpoint in turn and returns the first
// successful answer.
func (c *Client) runOverpass(ctx context.Context, query string) (*overpassResponse, error) {
	var lastErr error
	for _, endpoint := range c.overpass {
		resp, err := c.postOverpass(ctx, endpoint, query)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("all overpass endpoints failed: %w", lastErr)
}

func (c *Client) postOverpass(ctx context.Context, endpoint, query string) (*overpassResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("%s returned %s", endpoint, httpResp.Status)
	}

	var out overpassResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	return &out, nil
}

// ReverseGeocode implements Querier using Nominatim's reverse endpoint.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	var lastErr error
	for _, endpoint := range c.nominatim {
		addr, err := c.reverseOnce(ctx, endpoint, lat, lng)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return addr, nil
	}
	return "", fmt.Errorf("all nominatim endpoints failed: %w", lastErr)
}

func (c *Client) reverseOnce(ctx context.Context, endpoint string, lat, lng float64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := fmt.Sprintf("%s/reverse?format=jsonv2&lat=%f&lon=%f&accept-language=ja",
		strings.TrimRight(endpoint, "/"), lat, lng)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "tracklog-pwa/1.0")

	httpResp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
		return "", fmt.Errorf("%s returned %s", endpoint, httpResp.Status)
	}

	var out struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	if out.DisplayName == "" {
		return "", fmt.Errorf("%s returned no address", endpoint)
	}
	return out.DisplayName, nil
}
