package transcode

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// FileProgress tails an FFmpeg "-progress" file. The file may not exist yet
// when the source is created; it is opened lazily on the first poll.
type FileProgress struct {
	path string

	mu       sync.Mutex
	f        *os.File
	partial  []byte
	pos      float64
	finished bool
}

func NewFileProgress(path string) *FileProgress {
	return &FileProgress{path: path}
}

// Position reads any new lines and returns the latest encoded timestamp in
// seconds and whether FFmpeg reported progress=end.
func (p *FileProgress) Position() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollLocked()
	return p.pos, p.finished
}

func (p *FileProgress) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}

func (p *FileProgress) pollLocked() {
	if p.f == nil {
		f, err := os.Open(p.path)
		if err != nil {
			return
		}
		p.f = f
	}
	data, err := io.ReadAll(p.f)
	if err != nil || len(data) == 0 {
		return
	}
	p.partial = append(p.partial, data...)
	for {
		idx := bytes.IndexByte(p.partial, '\n')
		if idx < 0 {
			break
		}
		p.applyLine(string(p.partial[:idx]))
		p.partial = p.partial[idx+1:]
	}
}

func (p *FileProgress) applyLine(line string) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return
	}
	value = strings.TrimSpace(value)
	switch key {
	// out_time_ms is reported in microseconds as well.
	case "out_time_us", "out_time_ms":
		us, err := strconv.ParseInt(value, 10, 64)
		if err == nil && us >= 0 {
			p.pos = float64(us) / 1e6
		}
	case "out_time":
		if sec, ok := parseClock(value); ok {
			p.pos = sec
		}
	case "progress":
		if value == "end" {
			p.finished = true
		}
	}
}

// parseClock parses HH:MM:SS.fraction into seconds.
func parseClock(v string) (float64, bool) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 {
		return 0, false
	}
	s, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || s < 0 {
		return 0, false
	}
	return float64(h*3600+m*60) + s, true
}
