package domain

type MediaTrack struct {
	Index    int    `json:"index"`
	Type     string `json:"type"`
	Codec    string `json:"codec"`
	Language string `json:"language"`
	Title    string `json:"title"`
	Default  bool   `json:"default"`
}

type MediaInfo struct {
	Tracks    []MediaTrack `json:"tracks"`
	Duration  float64      `json:"duration"`
	StartTime float64      `json:"startTime"`
}

// HasTrack reports whether the probe found at least one track of the given type.
func (m MediaInfo) HasTrack(kind string) bool {
	for _, t := range m.Tracks {
		if t.Type == kind {
			return true
		}
	}
	return false
}
