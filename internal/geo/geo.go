package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Locator resolves the device's current coordinates. Providers must
// fail rather than answer with a stale or default position.
type Locator interface {
	Locate(ctx context.Context) (lat, lon float64, err error)
}

// HTTPLocator queries a positioning agent over HTTP. The agent answers
// with {"latitude": ..., "longitude": ...} or a non-2xx status when
// the user denied access.
type HTTPLocator struct {
	URL    string
	Client *http.Client
}

func (l HTTPLocator) Locate(ctx context.Context) (float64, float64, error) {
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return 0, 0, err
	}
	res, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return 0, 0, fmt.Errorf("geolocation denied (status %d)", res.StatusCode)
	}
	var pos struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 4096)).Decode(&pos); err != nil {
		return 0, 0, fmt.Errorf("decode position: %w", err)
	}
	if pos.Latitude == nil || pos.Longitude == nil {
		return 0, 0, fmt.Errorf("position response missing coordinates")
	}
	if *pos.Latitude < -90 || *pos.Latitude > 90 || *pos.Longitude < -180 || *pos.Longitude > 180 {
		return 0, 0, fmt.Errorf("position %f,%f out of range", *pos.Latitude, *pos.Longitude)
	}
	return *pos.Latitude, *pos.Longitude, nil
}
