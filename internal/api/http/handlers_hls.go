package apihttp

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"mediastream/internal/domain"
)

// handleHLS dispatches /streams/{fp}/hls/{playlist.m3u8|info|segment_N.ts}.
func (s *Server) handleHLS(w http.ResponseWriter, r *http.Request, fp domain.Fingerprint, rest []string) {
	if s.segments == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "segment cache is not configured")
		return
	}
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	target, err := s.sessions.Target(fp)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	name := rest[0]
	switch {
	case name == "playlist.m3u8" || name == "index.m3u8":
		m, err := s.segments.Manifest(r.Context(), fp, target.Path)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		var buf bytes.Buffer
		if err := m.WritePlaylist(&buf); err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write(buf.Bytes())
		}
	case name == "info":
		info, err := s.segments.Info(r.Context(), fp, target.Path)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case strings.HasPrefix(name, "segment_") && strings.HasSuffix(name, ".ts"):
		index, err := parseIndex(strings.TrimSuffix(strings.TrimPrefix(name, "segment_"), ".ts"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid segment index")
			return
		}
		s.handleSegment(w, r, fp, target.Path, index)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request, fp domain.Fingerprint, source string, index int) {
	path, err := s.segments.Segment(r.Context(), fp, source, index)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		// Evicted between render and open.
		if errors.Is(err, os.ErrNotExist) {
			writeDomainError(w, domain.ErrNotReady)
			return
		}
		writeDomainError(w, err)
		return
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", "video/mp2t")
	h.Set("Cache-Control", "public, max-age=3600")
	if st, err := f.Stat(); err == nil {
		h.Set("Content-Length", strconv.FormatInt(st.Size(), 10))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, f)
	}

	s.segments.Cleanup(fp, index, 0)
}
