package segment

import (
	"fmt"
	"io"
	"math"
	"strings"
)

// Segment is one fixed-duration slice of the media timeline.
type Segment struct {
	Index    int     `json:"index"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

type Manifest struct {
	Duration        float64   `json:"duration"`
	SegmentDuration float64   `json:"segmentDuration"`
	Segments        []Segment `json:"segments"`
}

// BuildManifest splits duration into segDur slices. The last segment holds
// the remainder and is never rounded up to a full slice.
func BuildManifest(duration, segDur float64) Manifest {
	m := Manifest{Duration: duration, SegmentDuration: segDur}
	if duration <= 0 || segDur <= 0 {
		return m
	}
	n := int(math.Ceil(duration / segDur))
	for i := 0; i < n; i++ {
		start := float64(i) * segDur
		d := segDur
		if i == n-1 {
			d = roundMillis(duration - start)
			if d < 0.001 {
				break
			}
		}
		m.Segments = append(m.Segments, Segment{Index: i, Start: start, Duration: d})
	}
	return m
}

func roundMillis(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func segmentName(i int) string {
	return fmt.Sprintf("segment_%d.ts", i)
}

// WritePlaylist renders m as a VOD HLS media playlist.
func (m Manifest) WritePlaylist(w io.Writer) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(m.SegmentDuration)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	for _, s := range m.Segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", s.Duration)
		b.WriteString(segmentName(s.Index))
		b.WriteByte('\n')
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// FormatDuration renders seconds as H:MM:SS or M:SS.
func FormatDuration(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	total := int(sec)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
