package stages

import (
	"encoding/json"
	"fmt"
	"strings"
)

// transcriptSegment is one timed utterance in the worker's transcript.
type transcriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type transcriptPayload struct {
	Segments []transcriptSegment `json:"segments"`
}

// parseTranscript extracts the timed segments from a stored transcript.
func parseTranscript(raw string) ([]transcriptSegment, error) {
	var payload transcriptPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse transcript: %w", err)
	}
	return payload.Segments, nil
}

// renderVTT serializes segments as a WebVTT caption document.
func renderVTT(segments []transcriptSegment) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	for i, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		b.WriteString(fmt.Sprintf("\n%d\n%s --> %s\n%s\n",
			i+1, vttTimestamp(seg.Start), vttTimestamp(seg.End), text))
	}
	return b.String()
}

// vttTimestamp formats seconds as HH:MM:SS.mmm.
func vttTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	millis := int64(seconds*1000 + 0.5)
	h := millis / 3600000
	m := (millis % 3600000) / 60000
	s := (millis % 60000) / 1000
	ms := millis % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
