package apihttp

import (
	"net/http"
	"strconv"

	"mediastream/internal/domain"
)

type audioStatusResponse struct {
	Chunk         int     `json:"chunk"`
	Ready         bool    `json:"ready"`
	ChunkDuration float64 `json:"chunkDuration"`
}

// handleAudio dispatches /streams/{fp}/audio/{info|status|chunk/N}.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request, fp domain.Fingerprint, rest []string) {
	if s.audio == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "audio cache is not configured")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch {
	case len(rest) == 1 && rest[0] == "status":
		index, err := parseIndex(r.URL.Query().Get("chunk"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid chunk index")
			return
		}
		if _, err := s.sessions.Status(fp); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, audioStatusResponse{
			Chunk:         index,
			Ready:         s.audio.IsCached(fp, index),
			ChunkDuration: s.audio.ChunkDuration().Seconds(),
		})
		return
	case len(rest) == 1 && rest[0] == "info":
		target, err := s.sessions.Target(fp)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		info, err := s.audio.Info(r.Context(), fp, target.Path)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	case len(rest) == 2 && rest[0] == "chunk":
		index, err := parseIndex(rest[1])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid chunk index")
			return
		}
		s.handleAudioChunk(w, r, fp, index)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

func (s *Server) handleAudioChunk(w http.ResponseWriter, r *http.Request, fp domain.Fingerprint, index int) {
	target, err := s.sessions.Target(fp)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	chunk, err := s.audio.Chunk(r.Context(), fp, target.Path, index)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "audio/aac")
	h.Set("Cache-Control", "public, max-age=3600")
	h.Set("Content-Length", strconv.Itoa(len(chunk.Data)))
	h.Set("X-Chunk-Id", strconv.Itoa(chunk.Index))
	h.Set("X-Chunk-Start", formatSeconds(chunk.Start))
	h.Set("X-Chunk-Duration", formatSeconds(chunk.Duration))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(chunk.Data)
	}

	s.audio.Prefetch(fp, target.Path, index, 0)
	s.audio.CleanupOldChunks(fp, index, 0)
}
