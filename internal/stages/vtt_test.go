package stages

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTranscript(t *testing.T) {
	t.Run("Should parse timed segments", func(t *testing.T) {
		raw := `{"segments":[{"start":0,"end":2.5,"text":"Welcome to the course."},{"start":2.5,"end":5,"text":"Today we cover queues."}]}`

		segments, err := parseTranscript(raw)
		require.NoError(t, err)
		require.Len(t, segments, 2)
		assert.Equal(t, 0.0, segments[0].Start)
		assert.Equal(t, 2.5, segments[0].End)
		assert.Equal(t, "Welcome to the course.", segments[0].Text)
	})

	t.Run("Should return empty segments for an empty payload", func(t *testing.T) {
		segments, err := parseTranscript(`{"segments":[]}`)
		require.NoError(t, err)
		assert.Empty(t, segments)
	})

	t.Run("Should fail on malformed JSON", func(t *testing.T) {
		_, err := parseTranscript("not json")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse transcript")
	})
}

func TestRenderVTT(t *testing.T) {
	t.Run("Should render a numbered WebVTT document", func(t *testing.T) {
		segments := []transcriptSegment{
			{Start: 0, End: 2.5, Text: "Welcome to the course."},
			{Start: 2.5, End: 5, Text: "Today we cover queues."},
		}

		vtt := renderVTT(segments)

		assert.True(t, strings.HasPrefix(vtt, "WEBVTT\n"))
		assert.Contains(t, vtt, "1\n00:00:00.000 --> 00:00:02.500\nWelcome to the course.")
		assert.Contains(t, vtt, "2\n00:00:02.500 --> 00:00:05.000\nToday we cover queues.")
	})

	t.Run("Should skip empty cues", func(t *testing.T) {
		segments := []transcriptSegment{
			{Start: 0, End: 1, Text: "First."},
			{Start: 1, End: 2, Text: "   "},
			{Start: 2, End: 3, Text: "Third."},
		}

		vtt := renderVTT(segments)

		assert.Contains(t, vtt, "First.")
		assert.Contains(t, vtt, "Third.")
		assert.NotContains(t, vtt, "00:00:01.000 --> 00:00:02.000")
	})

	t.Run("Should render a bare header for no segments", func(t *testing.T) {
		assert.Equal(t, "WEBVTT\n", renderVTT(nil))
	})
}

func TestVTTTimestamp(t *testing.T) {
	t.Run("Should format hours, minutes, seconds, and millis", func(t *testing.T) {
		tests := []struct {
			seconds  float64
			expected string
		}{
			{0, "00:00:00.000"},
			{1.5, "00:00:01.500"},
			{59.999, "00:00:59.999"},
			{61.25, "00:01:01.250"},
			{3661.007, "01:01:01.007"},
			{-5, "00:00:00.000"},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.expected, vttTimestamp(tt.seconds))
		}
	})
}
