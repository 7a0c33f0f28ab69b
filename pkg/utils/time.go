package utils

import (
	"strconv"
	"strings"
	"time"
)

// FormatDuration renders d for humans, keeping at most the two most
// significant units ("3d4h", "2h30m", "45s"). Sub-second values are shown
// in milliseconds; anything longer is rounded to the second.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "-" + FormatDuration(-d)
	}
	if d < time.Second {
		return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
	}

	d = d.Round(time.Second)
	units := []struct {
		size   time.Duration
		suffix string
	}{
		{24 * time.Hour, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
	}

	var b strings.Builder
	parts := 0
	for _, u := range units {
		if parts == 2 {
			break
		}
		n := d / u.size
		if n == 0 && parts == 0 {
			continue
		}
		d -= n * u.size
		if n > 0 {
			b.WriteString(strconv.FormatInt(int64(n), 10))
			b.WriteString(u.suffix)
		}
		parts++
	}
	return b.String()
}
