package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"sprinkler/internal/provider"
)

const taspowExpected = "<host or ip>;<int index>"

// Taspow switches Tasmota power outputs over the device's HTTP command API.
type Taspow struct {
	client *http.Client
	scheme string
}

func NewTaspow(timeout time.Duration) *Taspow {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Taspow{client: &http.Client{Timeout: timeout}, scheme: "http"}
}

func (t *Taspow) ID() string             { return "taspow" }
func (t *Taspow) Description() string    { return "Tasmota power outputs via HTTP" }
func (t *Taspow) DisabledReason() string { return "" }

func (t *Taspow) ValidateConfig(config string) error {
	_, _, err := parseTaspow(config)
	return err
}

func parseTaspow(config string) (host string, index int, err error) {
	parts, err := provider.SplitConfig(config, 2, taspowExpected)
	if err != nil {
		return "", 0, err
	}
	host = parts[0]
	if host == "" {
		return "", 0, fmt.Errorf("empty host, expected: %s", taspowExpected)
	}
	if h, _, splitErr := net.SplitHostPort(host); splitErr == nil && h == "" {
		return "", 0, fmt.Errorf("empty host, expected: %s", taspowExpected)
	}
	index, err = strconv.Atoi(parts[1])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("invalid index %q, expected: %s", parts[1], taspowExpected)
	}
	return host, index, nil
}

// Init switches the output off; the device state is not trusted after restart.
func (t *Taspow) Init(ctx context.Context, config string) (bool, error) {
	return false, t.Set(ctx, config, false)
}

func (t *Taspow) Set(ctx context.Context, config string, active bool) error {
	host, index, err := parseTaspow(config)
	if err != nil {
		return err
	}
	v := 0
	if active {
		v = 1
	}
	url := fmt.Sprintf("%s://%s/cm?cmnd=Power%d%%20%d", t.scheme, host, index, v)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("taspow %s: %w", host, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("taspow %s: unexpected status %s", host, resp.Status)
	}
	return nil
}
