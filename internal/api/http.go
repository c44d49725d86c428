package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/voxlog/voxlog/internal/capture"
	"github.com/voxlog/voxlog/internal/session"
	"github.com/voxlog/voxlog/internal/storage"
	"github.com/voxlog/voxlog/internal/uploader"
)

const maxRequestBodySize = 1 << 20 // 1MB; control-plane requests are tiny

// SegmentView is the JSON shape of a segment in list/get responses. The
// payload stays out; it is served from its own endpoint.
type SegmentView struct {
	ID              int64   `json:"id"`
	SequenceNumber  int     `json:"sequenceNumber"`
	ContentType     string  `json:"contentType"`
	CapturedAt      string  `json:"capturedAt"`
	DurationSeconds float64 `json:"durationSeconds"`
	SyncStatus      string  `json:"syncStatus"`
	RemoteKey       string  `json:"remoteKey,omitempty"`
	Transcription   string  `json:"transcription,omitempty"`
	SizeBytes       int     `json:"sizeBytes"`
}

func viewOf(seg storage.Segment) SegmentView {
	return SegmentView{
		ID:              seg.ID,
		SequenceNumber:  seg.SequenceNumber,
		ContentType:     seg.ContentType,
		CapturedAt:      seg.CapturedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		DurationSeconds: seg.DurationSeconds,
		SyncStatus:      string(seg.SyncStatus),
		RemoteKey:       seg.RemoteKey,
		Transcription:   seg.Transcription,
		SizeBytes:       len(seg.Payload),
	}
}

// NewHandler builds the daemon's HTTP API over one session. Everything but
// /health requires the bearer token.
func NewHandler(sess *session.Session, token string) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))

		r.Post("/recorder/start", handleStart(sess))
		r.Post("/recorder/stop", handleStop(sess))
		r.Get("/recorder", handleStatus(sess))
		r.Patch("/recorder", handleSetDuration(sess))

		r.Get("/segments", handleListSegments(sess))
		r.Get("/segments/{id}", handleGetSegment(sess))
		r.Get("/segments/{id}/audio", handleSegmentAudio(sess))
		r.Post("/segments/{id}/retry", handleRetrySegment(sess))
		r.Post("/segments/retry-all", handleRetryAll(sess))
		r.Delete("/segments/{id}", handleDeleteSegment(sess))
		r.Delete("/segments", handleWipe(sess))
	})

	return r
}

func handleStart(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sess.StartRecording(r.Context()); err != nil {
			switch {
			case errors.Is(err, capture.ErrDeviceUnavailable):
				// The caller retries explicitly; an automatic retry here
				// would spam device permission prompts.
				httpError(w, http.StatusConflict, "device_unavailable", "%v", err)
			case errors.Is(err, capture.ErrAlreadyRecording):
				httpError(w, http.StatusConflict, "invalid_state", "%v", err)
			default:
				httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			}
			return
		}
		writeJSON(w, map[string]string{"state": string(capture.StateCapturing)})
	}
}

func handleStop(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sess.StopRecording(); err != nil {
			if errors.Is(err, capture.ErrNotRecording) {
				httpError(w, http.StatusConflict, "invalid_state", "%v", err)
				return
			}
			// Capture errors from mid-session failures surface here, after
			// the in-flight segment was still finalized.
			httpError(w, http.StatusInternalServerError, "capture_error", "%v", err)
			return
		}
		writeJSON(w, map[string]string{"state": string(capture.StateIdle)})
	}
}

func handleStatus(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := sess.Status()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, st)
	}
}

func handleSetDuration(sess *session.Session) http.HandlerFunc {
	type patch struct {
		SegmentDurationSeconds float64 `json:"segmentDurationSeconds"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req patch
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := sess.SetSegmentDuration(req.SegmentDurationSeconds); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, map[string]float64{"segmentDurationSeconds": req.SegmentDurationSeconds})
	}
}

func handleListSegments(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		segs, err := sess.ListSegments()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		views := make([]SegmentView, 0, len(segs))
		for _, seg := range segs {
			views = append(views, viewOf(seg))
		}
		writeJSON(w, views)
	}
}

func handleGetSegment(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seg, ok := segmentFromPath(w, r, sess)
		if !ok {
			return
		}
		writeJSON(w, viewOf(seg))
	}
}

// handleSegmentAudio serves the raw payload; the CLI uses it for both
// download and playback.
func handleSegmentAudio(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seg, ok := segmentFromPath(w, r, sess)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", seg.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", seg.RemoteObjectKey()))
		w.Header().Set("Content-Length", strconv.Itoa(len(seg.Payload)))
		w.Write(seg.Payload)
	}
}

func handleRetrySegment(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idFromPath(w, r)
		if !ok {
			return
		}
		if err := sess.RetrySegment(r.Context(), id); err != nil {
			writeUploadError(w, id, err)
			return
		}
		writeJSON(w, map[string]string{"syncStatus": string(storage.StatusSynced)})
	}
}

func handleRetryAll(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remaining, err := sess.RetryAllFailed(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, map[string]int{"remainingFailures": remaining})
	}
}

func handleDeleteSegment(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idFromPath(w, r)
		if !ok {
			return
		}
		if err := sess.DeleteSegment(id); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				httpError(w, http.StatusConflict, "invalid_state", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleWipe(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sess.WipeAll(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeUploadError maps upload error categories to distinct HTTP shapes so
// callers can branch on auth expiry vs ordinary failure.
func writeUploadError(w http.ResponseWriter, id int64, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "segment %d not found", id)
	case errors.Is(err, uploader.ErrAuthExpired):
		httpError(w, http.StatusUnauthorized, "auth_expired", "%v", err)
	case errors.Is(err, uploader.ErrUploadInFlight):
		httpError(w, http.StatusConflict, "upload_in_flight", "%v", err)
	case errors.Is(err, uploader.ErrCredentialRequest), errors.Is(err, uploader.ErrTransferFailed):
		httpError(w, http.StatusBadGateway, "upload_failed", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func idFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid segment id")
		return 0, false
	}
	return id, true
}

func segmentFromPath(w http.ResponseWriter, r *http.Request, sess *session.Session) (storage.Segment, bool) {
	id, ok := idFromPath(w, r)
	if !ok {
		return storage.Segment{}, false
	}
	seg, err := sess.GetSegment(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "segment %d not found", id)
		} else {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		}
		return storage.Segment{}, false
	}
	return seg, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": fmt.Sprintf(format, args...),
		},
	})
}
