package article

import (
	"fmt"
	"strconv"
	"strings"
)

// Location is the place an article was filed under in one group.
type Location struct {
	Group string
	Index int64
}

func (l Location) String() string {
	return l.Group + ":" + strconv.FormatInt(l.Index, 10)
}

// FormatXref renders an Xref header value: "<host> <group>:<index> ...".
func FormatXref(host string, locs []Location) string {
	parts := make([]string, 0, len(locs)+1)
	parts = append(parts, host)
	for _, l := range locs {
		parts = append(parts, l.String())
	}
	return strings.Join(parts, " ")
}

// ParseXref is the inverse of FormatXref.
func ParseXref(value string) (host string, locs []Location, err error) {
	parts := strings.Fields(value)
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("empty xref")
	}
	host = parts[0]
	for _, p := range parts[1:] {
		i := strings.LastIndexByte(p, ':')
		if i <= 0 {
			return "", nil, fmt.Errorf("malformed xref entry %q", p)
		}
		n, err := strconv.ParseInt(p[i+1:], 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("malformed xref index %q: %w", p, err)
		}
		locs = append(locs, Location{Group: p[:i], Index: n})
	}
	return host, locs, nil
}
