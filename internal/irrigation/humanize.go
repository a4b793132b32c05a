package irrigation

import (
	"strconv"
	"strings"
	"time"
)

var humanUnits = []struct {
	suffix string
	size   time.Duration
}{
	{"y", 365 * 24 * time.Hour},
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
}

// Humanize renders d with at most maxUnits non-zero units, largest first,
// e.g. "1d 2h" or "10m". maxUnits <= 0 means all units.
func Humanize(d time.Duration, maxUnits int) string {
	if d < 0 {
		return "-" + Humanize(-d, maxUnits)
	}
	if d < time.Millisecond {
		return "0s"
	}
	var parts []string
	for _, u := range humanUnits {
		if maxUnits > 0 && len(parts) == maxUnits {
			break
		}
		n := d / u.size
		if n == 0 {
			continue
		}
		parts = append(parts, strconv.FormatInt(int64(n), 10)+u.suffix)
		d -= n * u.size
	}
	return strings.Join(parts, " ")
}
