package apihttp

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"mediastream/internal/domain"
	"mediastream/internal/rangeserve"
	"mediastream/internal/transcode"
)

type submitResponse struct {
	Status domain.SubmitStatus `json:"status"`
	Key    string              `json:"key"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

func fullJobKey(fp domain.Fingerprint) domain.JobKey {
	return domain.JobKey{Fingerprint: fp, Kind: domain.JobKindFull}
}

func transcodeRequest(key domain.JobKey, source string, duration float64, client string) transcode.Request {
	return transcode.Request{Key: key, Source: source, Duration: duration, Client: client}
}

// chunkClient separates a client's range jobs from its full transcode so a
// chunk request never supersedes a running full job.
func chunkClient(client string) string {
	return client + "#chunk"
}

// handleTranscode dispatches /streams/{fp}/transcode[/progress|/stream].
func (s *Server) handleTranscode(w http.ResponseWriter, r *http.Request, fp domain.Fingerprint, rest []string) {
	if s.transcoder == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "transcoding is not configured")
		return
	}
	action := ""
	if len(rest) == 1 {
		action = rest[0]
	} else if len(rest) > 1 {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleTranscodeSubmit(w, r, fp)
	case "progress":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		progress, err := s.transcoder.Progress(fullJobKey(fp))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, progress)
	case "stream":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleTranscodeStream(w, r, fp)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleTranscodeSubmit(w http.ResponseWriter, r *http.Request, fp domain.Fingerprint) {
	target, err := s.sessions.Target(fp)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	key := fullJobKey(fp)
	status, err := s.transcoder.Submit(transcodeRequest(key, target.Path, s.probeDuration(r.Context(), target.Path), clientID(r)))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if status == domain.SubmitBusy {
		w.Header().Set("Retry-After", "2")
	}
	writeJSON(w, http.StatusOK, submitResponse{Status: status, Key: key.String()})
}

func (s *Server) handleTranscodeStream(w http.ResponseWriter, r *http.Request, fp domain.Fingerprint) {
	artifact, err := s.transcoder.Artifact(fullJobKey(fp))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if artifact.SafeSize <= 0 {
		writeDomainError(w, domain.ErrNotReady)
		return
	}
	s.serveRange(w, r, rangeserve.Source{
		Path:        artifact.Path,
		SafeSize:    artifact.SafeSize,
		Complete:    artifact.Complete,
		ContentType: "video/mp4",
	})
}

func (s *Server) handleTranscodeCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.transcoder == nil {
		writeJSON(w, http.StatusOK, cancelResponse{})
		return
	}
	client := clientID(r)
	cancelled := s.transcoder.Cancel(client)
	if s.transcoder.Cancel(chunkClient(client)) {
		cancelled = true
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: cancelled})
}

// handleChunk renders the fixed window containing ?t= and serves it once
// the job has finished.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request, fp domain.Fingerprint) {
	if s.transcoder == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "transcoding is not configured")
		return
	}
	t, err := parseSeconds(r.URL.Query().Get("t"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "t "+err.Error())
		return
	}
	target, err := s.sessions.Target(fp)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	total := s.probeDuration(r.Context(), target.Path)
	if total <= 0 {
		writeDomainError(w, domain.ErrMetadataUnavailable)
		return
	}

	window := s.chunkDuration.Seconds()
	index := math.Floor(t / window)
	start := index * window
	if start >= total {
		writeError(w, http.StatusNotFound, "not_found", "position beyond end of media")
		return
	}
	length := math.Min(window, total-start)

	key := domain.JobKey{
		Fingerprint: fp,
		Kind:        domain.JobKindRange,
		Start:       time.Duration(start * float64(time.Second)),
		Duration:    time.Duration(length * float64(time.Second)),
	}
	status, err := s.transcoder.Submit(transcodeRequest(key, target.Path, length, chunkClient(clientID(r))))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if status == domain.SubmitBusy {
		writeDomainError(w, domain.ErrBusy)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), chunkWaitTimeout)
	defer cancel()
	if err := s.transcoder.Wait(ctx, key); err != nil {
		writeDomainError(w, err)
		return
	}
	artifact, err := s.transcoder.Artifact(key)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h := w.Header()
	h.Set("X-Chunk-Start", formatSeconds(start))
	h.Set("X-Chunk-Duration", formatSeconds(length))
	h.Set("X-Total-Duration", formatSeconds(total))
	s.serveRange(w, r, rangeserve.Source{
		Path:        artifact.Path,
		SafeSize:    artifact.SafeSize,
		Complete:    artifact.Complete,
		ContentType: "video/mp4",
	})
}

// probeDuration returns the source duration in seconds, or 0 when unknown.
func (s *Server) probeDuration(ctx context.Context, path string) float64 {
	if s.prober == nil {
		return 0
	}
	info, err := s.prober.Probe(ctx, path)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Debug("duration probe failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
		return 0
	}
	return info.Duration
}
