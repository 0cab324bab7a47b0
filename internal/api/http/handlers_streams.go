package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"mediastream/internal/domain"
	"mediastream/internal/rangeserve"
	"mediastream/internal/scheduler"
)

type createStreamRequest struct {
	Magnet string `json:"magnet"`
	Title  string `json:"title"`
}

type seekRequest struct {
	Position *float64 `json:"position"`
}

type streamStatusResponse struct {
	domain.StreamStatus
	Availability *scheduler.Availability `json:"availability,omitempty"`
}

type streamListResponse struct {
	Items []domain.StreamStatus `json:"items"`
	Count int                   `json:"count"`
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateStream(w, r)
	case http.MethodGet:
		items := s.sessions.List()
		writeJSON(w, http.StatusOK, streamListResponse{Items: items, Count: len(items)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var body createStreamRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	body.Magnet = strings.TrimSpace(body.Magnet)
	if body.Magnet == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "magnet is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), startTimeout)
	defer cancel()
	status, err := s.sessions.Open(ctx, body.Magnet, strings.TrimSpace(body.Title))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.BroadcastStatuses()
	writeJSON(w, http.StatusCreated, status)
}

// handleStreamByID dispatches /streams/{fingerprint}[/...].
func (s *Server) handleStreamByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/streams/"), "/")
	if path == "" {
		writeError(w, http.StatusNotFound, "not_found", "stream not found")
		return
	}
	parts := strings.Split(path, "/")
	fp, ok := parseFingerprint(w, parts[0])
	if !ok {
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleStreamStatus(w, r, fp)
		case http.MethodDelete:
			s.handleStopStream(w, r, fp)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "seek":
		if len(parts) != 2 {
			break
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleSeek(w, r, fp)
		return
	case "video":
		if len(parts) != 2 {
			break
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleVideo(w, r, fp)
		return
	case "chunk":
		if len(parts) != 2 {
			break
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleChunk(w, r, fp)
		return
	case "transcode":
		s.handleTranscode(w, r, fp, parts[2:])
		return
	case "hls":
		s.handleHLS(w, r, fp, parts[2:])
		return
	case "audio":
		s.handleAudio(w, r, fp, parts[2:])
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request, fp domain.Fingerprint) {
	status, err := s.sessions.Status(fp)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := streamStatusResponse{StreamStatus: status}

	pos, present, err := parsePosition(r.URL.Query().Get("position"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if present {
		avail, err := s.sessions.Availability(fp, pos)
		switch {
		case err == nil:
			resp.Availability = &avail
		case errors.Is(err, domain.ErrMetadataUnavailable):
			resp.Availability = &scheduler.Availability{Reason: scheduler.ReasonNotReady}
		default:
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request, fp domain.Fingerprint) {
	if err := s.sessions.Stop(r.Context(), fp); err != nil {
		writeDomainError(w, err)
		return
	}
	s.BroadcastStatuses()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request, fp domain.Fingerprint) {
	var body seekRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	if body.Position == nil || *body.Position < 0 || *body.Position > 1 {
		writeError(w, http.StatusBadRequest, "invalid_request", "position must be within [0,1]")
		return
	}
	avail, err := s.sessions.Seek(fp, *body.Position)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

// handleVideo serves the raw target file, limited to its readable prefix.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request, fp domain.Fingerprint) {
	target, err := s.sessions.Target(fp)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if target.SafeSize <= 0 {
		writeDomainError(w, domain.ErrNotReady)
		return
	}
	src := rangeserve.Source{
		Path:        target.Path,
		SafeSize:    target.SafeSize,
		Complete:    target.Complete,
		ContentType: fallbackContentType(filepath.Ext(target.Path)),
	}
	s.serveRange(w, r, src)
}

// serveRange writes src and handles failures. An open failure leaves the
// response untouched; anything later has already sent headers.
func (s *Server) serveRange(w http.ResponseWriter, r *http.Request, src rangeserve.Source) {
	err := rangeserve.Serve(w, r, src)
	if err == nil {
		return
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && pathErr.Op == "open" {
		if errors.Is(err, fs.ErrNotExist) {
			writeDomainError(w, domain.ErrNotReady)
		} else {
			writeDomainError(w, err)
		}
		return
	}
	if r.Context().Err() == nil {
		s.logger.Warn("range copy failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}
