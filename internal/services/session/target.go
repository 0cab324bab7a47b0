package session

import (
	"math"
	"path"
	"strings"

	"mediastream/internal/domain"
)

var mediaExtensions = map[string]struct{}{
	".mp4":  {},
	".avi":  {},
	".mkv":  {},
	".mov":  {},
	".wmv":  {},
	".flv":  {},
	".webm": {},
	".m4v":  {},
}

func isMediaFile(p string) bool {
	_, ok := mediaExtensions[strings.ToLower(path.Ext(p))]
	return ok
}

// selectTarget picks the largest media file.
func selectTarget(files []domain.FileRef) (domain.FileRef, bool) {
	var best domain.FileRef
	found := false
	for _, f := range files {
		if !isMediaFile(f.Path) {
			continue
		}
		if !found || f.Length > best.Length {
			best = f
			found = true
		}
	}
	return best, found
}

// readablePrefix returns how many leading bytes of f are backed by complete
// units, stopping at the first missing unit.
func readablePrefix(f domain.FileRef, unitSize int64, numUnits int, have func(int) bool) int64 {
	if f.Length <= 0 || unitSize <= 0 {
		return 0
	}
	end := f.Offset + f.Length
	first := int(f.Offset / unitSize)
	last := int((end - 1) / unitSize)
	if last >= numUnits {
		last = numUnits - 1
	}
	readableEnd := f.Offset
	for i := first; i <= last; i++ {
		if !have(i) {
			break
		}
		readableEnd = int64(i+1) * unitSize
	}
	if readableEnd > end {
		readableEnd = end
	}
	return readableEnd - f.Offset
}

// sourcePosition maps a position inside f to a position across all units.
func sourcePosition(f domain.FileRef, position float64, unitSize int64, numUnits int) float64 {
	total := unitSize * int64(numUnits)
	if f.Length <= 0 || total <= 0 {
		return position
	}
	if position < 0 {
		position = 0
	}
	if position > 1 {
		position = 1
	}
	p := (float64(f.Offset) + position*float64(f.Length)) / float64(total)
	if p >= 1 {
		p = math.Nextafter(1, 0)
	}
	return p
}
