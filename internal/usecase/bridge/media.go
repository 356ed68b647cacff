package bridge

import (
	"strings"

	"clawgate/internal/domain"
)

// MediaMarkerPrefix re-embeds a media URL into assistant text.
const MediaMarkerPrefix = "MEDIA:"

// NoResponseText is returned when a run produced no content at all.
const NoResponseText = "No response from agent."

// AssembleContent concatenates payload text followed by one media marker per
// URL, blank-line separated. Each marker appears at most once.
func AssembleContent(payloads []domain.Payload) string {
	seen := make(map[string]bool)
	var blocks []string
	for _, p := range payloads {
		var parts []string
		if strings.TrimSpace(p.Text) != "" {
			parts = append(parts, p.Text)
		}
		for _, m := range markers(p, seen) {
			parts = append(parts, m)
		}
		if len(parts) > 0 {
			blocks = append(blocks, strings.Join(parts, "\n\n"))
		}
	}
	if len(blocks) == 0 {
		return NoResponseText
	}
	return strings.Join(blocks, "\n\n")
}

// MediaMarkers returns the deduplicated media markers of payloads in order.
func MediaMarkers(payloads []domain.Payload) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range payloads {
		out = append(out, markers(p, seen)...)
	}
	return out
}

func markers(p domain.Payload, seen map[string]bool) []string {
	var out []string
	for _, u := range p.URLs() {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, MediaMarkerPrefix+u)
	}
	return out
}
