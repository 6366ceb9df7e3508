package payload

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// hopByHop headers describe a single transport hop and are neither stored
// nor forwarded.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
	"content-length":      true,
}

func IsHopByHop(name string) bool {
	return hopByHop[strings.ToLower(name)]
}

// CaptureHeaders flattens request headers into a lower-cased map, joining
// repeated values with ", ".
func CaptureHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		if hopByHop[key] || len(values) == 0 {
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

func EncodeHeaders(h map[string]string) (string, error) {
	if h == nil {
		h = map[string]string{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeHeaders parses stored headers. Anything unreadable becomes an
// empty map.
func DecodeHeaders(stored string) map[string]string {
	out := map[string]string{}
	if stored == "" {
		return out
	}
	if err := json.Unmarshal([]byte(stored), &out); err != nil {
		return map[string]string{}
	}
	return out
}

// HeaderNames returns the keys of h in sorted order.
func HeaderNames(h map[string]string) []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
