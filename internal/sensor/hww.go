package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sprinkler/internal/clock"
	"sprinkler/internal/provider"
)

const (
	HWWBaseURL     = "https://gis.hamburgwasser.de/sri/rest/services/SRI_Labels/MapServer"
	hwwExpected    = "<int sriLayer>;<int spatialReference>;<float x>;<float y>"
	hwwRoundMinute = 5
)

// HWWConfig locates a point on the Hamburg Wasser rain radar layers.
type HWWConfig struct {
	Layer            int
	SpatialReference int
	X, Y             float64
}

func (c HWWConfig) String() string {
	return fmt.Sprintf("%d;%d;%s;%s", c.Layer, c.SpatialReference,
		strconv.FormatFloat(c.X, 'f', -1, 64), strconv.FormatFloat(c.Y, 'f', -1, 64))
}

func ParseHWWConfig(config string) (HWWConfig, error) {
	parts, err := provider.SplitConfig(config, 4, hwwExpected)
	if err != nil {
		return HWWConfig{}, err
	}
	var c HWWConfig
	var errs []string
	if c.Layer, err = strconv.Atoi(parts[0]); err != nil {
		errs = append(errs, "sriLayer is not an int")
	}
	if c.SpatialReference, err = strconv.Atoi(parts[1]); err != nil {
		errs = append(errs, "spatialReference is not an int")
	}
	if c.X, err = strconv.ParseFloat(parts[2], 64); err != nil {
		errs = append(errs, "x is not a float")
	}
	if c.Y, err = strconv.ParseFloat(parts[3], 64); err != nil {
		errs = append(errs, "y is not a float")
	}
	if len(errs) > 0 {
		return HWWConfig{}, fmt.Errorf("%s, expected: %s", strings.Join(errs, ", "), hwwExpected)
	}
	return c, nil
}

// HWW queries the Hamburg Wasser rain GIS service.
type HWW struct {
	BaseURL  string
	Location *time.Location // service local time, used in the query filter

	clk    clock.Clock
	client *http.Client
}

func NewHWW(clk clock.Clock, timeout time.Duration) *HWW {
	if clk == nil {
		clk = clock.Real()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		loc = time.Local
	}
	return &HWW{BaseURL: HWWBaseURL, Location: loc, clk: clk, client: &http.Client{Timeout: timeout}}
}

func (h *HWW) ID() string             { return "hww-gis" }
func (h *HWW) Description() string    { return "Rain Service of Hamburger Wasserwerke GmbH" }
func (h *HWW) DisabledReason() string { return "" }

func (h *HWW) ValidateConfig(config string) error {
	_, err := ParseHWWConfig(config)
	return err
}

func (h *HWW) ObtainValue(ctx context.Context, config string) (Reading, error) {
	c, err := ParseHWWConfig(config)
	if err != nil {
		return Reading{}, err
	}
	return h.Query(ctx, c)
}

type hwwResult struct {
	Features []struct {
		Attributes struct {
			Ende       int64 `json:"ende"`
			Regenhoehe int   `json:"regenhoehe"`
		} `json:"attributes"`
	} `json:"features"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// QueryURL builds the layer query for readings ending after the rounded
// window start.
func (h *HWW) QueryURL(c HWWConfig) string {
	now := h.clk.Now().In(h.Location)
	since := now.Truncate(time.Minute)
	since = since.Add(-time.Duration(since.Minute()%hwwRoundMinute) * time.Minute).Add(-2 * hwwRoundMinute * time.Minute)

	q := url.Values{}
	q.Set("where", "ende > timestamp '"+since.Format("2006-01-02 15:04")+"'")
	q.Set("geometry", strconv.FormatFloat(c.X, 'f', -1, 64)+","+strconv.FormatFloat(c.Y, 'f', -1, 64))
	q.Set("geometryType", "esriGeometryPoint")
	q.Set("inSR", strconv.Itoa(c.SpatialReference))
	q.Set("spatialRel", "esriSpatialRelIntersects")
	q.Set("orderByFields", "ende desc")
	q.Set("outFields", "*")
	q.Set("returnGeometry", "true")
	q.Set("f", "json")
	return strings.TrimRight(h.BaseURL, "/") + "/" + strconv.Itoa(c.Layer) + "/query?" + q.Encode()
}

// Query returns the average rain height of the newest features at the
// configured point. No features means no rain: value 0 at the current time.
func (h *HWW) Query(ctx context.Context, c HWWConfig) (Reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.QueryURL(c), nil)
	if err != nil {
		return Reading{}, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Reading{}, fmt.Errorf("hww query: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Reading{}, fmt.Errorf("hww read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Reading{}, fmt.Errorf("hww query: unexpected status %s", resp.Status)
	}
	var res hwwResult
	if err := json.Unmarshal(body, &res); err != nil {
		return Reading{}, fmt.Errorf("hww decode: %w", err)
	}
	if res.Error != nil {
		return Reading{}, fmt.Errorf("hww query: %d %s", res.Error.Code, res.Error.Message)
	}
	if len(res.Features) == 0 {
		return Reading{At: h.clk.Now(), Value: 0}, nil
	}

	var maxEnde int64
	for i, f := range res.Features {
		if i == 0 || f.Attributes.Ende > maxEnde {
			maxEnde = f.Attributes.Ende
		}
	}
	sum, n := 0, 0
	for _, f := range res.Features {
		if f.Attributes.Ende == maxEnde {
			sum += f.Attributes.Regenhoehe
			n++
		}
	}
	return Reading{At: time.UnixMilli(maxEnde), Value: sum / n}, nil
}
