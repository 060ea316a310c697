package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/contract-ledger/broker/pkg/db"
	"github.com/contract-ledger/broker/pkg/matrix"
	"github.com/contract-ledger/broker/pkg/resolution"
)

// maxPactSize bounds request bodies carrying pact content.
const maxPactSize = 10 << 20

// versionResponse is the JSON shape of a version.
type versionResponse struct {
	Pacticipant string `json:"pacticipant"`
	Number      string `json:"number"`
	Order       int    `json:"order"`
	CreatedAt   string `json:"createdAt"`
}

func (s *Server) createVersionHandler(w http.ResponseWriter, r *http.Request) {
	name, number := chi.URLParam(r, "pacticipant"), chi.URLParam(r, "version")
	v, err := s.svc.CreateOrFindVersion(r.Context(), name, number)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{
		Pacticipant: name,
		Number:      v.Number,
		Order:       v.Order,
		CreatedAt:   v.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) attachTagHandler(w http.ResponseWriter, r *http.Request) {
	name, number, tag := chi.URLParam(r, "pacticipant"), chi.URLParam(r, "version"), chi.URLParam(r, "tag")
	t, err := s.svc.AttachTag(r.Context(), name, number, tag)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pacticipant": name,
		"version":     number,
		"tag":         t.Name,
		"createdAt":   t.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) removeTagHandler(w http.ResponseWriter, r *http.Request) {
	name, number, tag := chi.URLParam(r, "pacticipant"), chi.URLParam(r, "version"), chi.URLParam(r, "tag")
	if err := s.svc.RemoveTag(r.Context(), name, number, tag); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) publishPactHandler(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPactSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("failed to read pact: %v", err))
		return
	}
	published, err := s.svc.PublishPact(r.Context(),
		chi.URLParam(r, "consumer"), chi.URLParam(r, "version"), chi.URLParam(r, "provider"), content)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if published.RevisionNumber == 1 {
		status = http.StatusCreated
	}
	writeJSON(w, status, published)
}

func (s *Server) getPactHandler(w http.ResponseWriter, r *http.Request) {
	pact, err := s.svc.FindPact(r.Context(),
		chi.URLParam(r, "consumer"), chi.URLParam(r, "provider"), chi.URLParam(r, "sha"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pact)
}

// verificationRequest is the body of a verification result.
type verificationRequest struct {
	ProviderVersion string     `json:"providerApplicationVersion"`
	Success         *bool      `json:"success"`
	ExecutionDate   *time.Time `json:"verificationDate,omitempty"`
	BuildURL        string     `json:"buildUrl,omitempty"`
	Log             string     `json:"log,omitempty"`
}

func (s *Server) recordVerificationHandler(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPactSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Success == nil {
		writeError(w, http.StatusBadRequest, "success is required")
		return
	}

	in := VerificationInput{
		ProviderVersion: req.ProviderVersion,
		Success:         *req.Success,
		BuildURL:        req.BuildURL,
		Log:             req.Log,
	}
	if req.ExecutionDate != nil {
		in.ExecutionDate = *req.ExecutionDate
	}

	consumer, provider, sha := chi.URLParam(r, "consumer"), chi.URLParam(r, "provider"), chi.URLParam(r, "sha")
	v, err := s.svc.RecordVerification(r.Context(), consumer, provider, sha, in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/pacts/provider/%s/consumer/%s/pact-version/%s/verification-results/%d",
		url.PathEscape(provider), url.PathEscape(consumer), url.PathEscape(sha), v.Number))
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) getVerificationHandler(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "verification number must be a positive integer")
		return
	}
	v, err := s.svc.FindVerification(r.Context(),
		chi.URLParam(r, "consumer"), chi.URLParam(r, "provider"), chi.URLParam(r, "sha"), number)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// latestVerificationHandler handles
// GET /verification-results/consumer/{consumer}/latest?provider=&tag=
func (s *Server) latestVerificationHandler(w http.ResponseWriter, r *http.Request) {
	q := resolution.Query{
		Consumer: chi.URLParam(r, "consumer"),
		Provider: r.URL.Query().Get("provider"),
		Tag:      resolution.ParseTagFilter(r.URL.Query().Get("tag")),
	}
	res, err := s.svc.LatestVerification(r.Context(), q)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeResolution(w, res)
}

// latestForTagsHandler handles
// GET /verification-results/consumer/{consumer}/provider/{provider}/latest-for-tags
func (s *Server) latestForTagsHandler(w http.ResponseWriter, r *http.Request) {
	consumerTag := resolution.ParseTagFilter(r.URL.Query().Get("consumerTag"))
	res, err := s.svc.LatestVerificationForTags(r.Context(),
		chi.URLParam(r, "consumer"), chi.URLParam(r, "provider"), consumerTag, r.URL.Query().Get("providerTag"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeResolution(w, res)
}

// writeResolution reports a missing verification as 404 with an unknown
// status so callers can tell it apart from a failed one.
func writeResolution(w http.ResponseWriter, res *Resolution) {
	if res == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status": matrix.StatusUnknown,
			"error":  "no matching verification",
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// matrixHandler handles GET /matrix?q=Foo@1&q=Bar@latest. The pacticipant
// and version parameters are accepted as an alternative spelling.
func (s *Server) matrixHandler(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query()["q"]
	pacticipants := r.URL.Query()["pacticipant"]
	versions := r.URL.Query()["version"]
	for i, p := range pacticipants {
		if i < len(versions) && versions[i] != "" {
			raw = append(raw, p+"@"+versions[i])
		} else {
			raw = append(raw, p)
		}
	}

	selectors := make([]matrix.Selector, 0, len(raw))
	for _, value := range raw {
		sel, err := matrix.ParseSelector(value)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		selectors = append(selectors, sel)
	}

	result, err := s.svc.Matrix(r.Context(), selectors)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) rebuildIndexHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.RebuildLatestIndex(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"entries": n})
}

// writeServiceError maps service errors to HTTP statuses. Invariant
// violations are logged since they point at corrupted state.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, db.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, db.ErrInvariantViolation):
		s.logger.Error("invariant violation", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
