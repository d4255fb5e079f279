package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"eventseries/internal/ics"
	appLog "eventseries/internal/log"
	"eventseries/internal/materializer"
	"eventseries/internal/model"
	"eventseries/internal/recurrence"
	"eventseries/internal/series"
	"eventseries/internal/store"
)

const defaultUpcomingCount = 10

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, recurrence.ErrInvalidRule),
		errors.Is(err, series.ErrInvalidRequest),
		errors.Is(err, series.ErrPropagationRequired):
		return http.StatusBadRequest
	case errors.Is(err, materializer.ErrSeriesNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, materializer.ErrTemplateMissing), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, materializer.ErrDateNotInPattern), errors.Is(err, ics.ErrNoRecurringEvents):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		appLog.Error("request failed", err, "method", r.Method, "path", r.URL.Path)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

type seriesResponse struct {
	*model.Series
	Pattern string `json:"pattern"`
}

func newSeriesResponse(sr *model.Series) seriesResponse {
	return seriesResponse{Series: sr, Pattern: recurrence.DescribePattern(sr.Rule)}
}

func (s *Server) handleCreateSeries(w http.ResponseWriter, r *http.Request) {
	var req series.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sr, err := s.series.Create(r.Context(), req, s.actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSeriesResponse(sr))
}

func (s *Server) handleListSeries(w http.ResponseWriter, r *http.Request) {
	list, err := s.series.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]seriesResponse, 0, len(list))
	for i := range list {
		out = append(out, newSeriesResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSeries(w http.ResponseWriter, r *http.Request) {
	sr, err := s.series.Get(r.Context(), r.PathValue("slug"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSeriesResponse(sr))
}

type updateSeriesBody struct {
	series.UpdateRequest
	// PropagateChanges defaults to true when omitted.
	PropagateChanges *bool `json:"propagate_changes,omitempty"`
}

type updateSeriesResponse struct {
	Series  seriesResponse `json:"series"`
	Updated int            `json:"updated_occurrences"`
}

func (s *Server) handleUpdateSeries(w http.ResponseWriter, r *http.Request) {
	var body updateSeriesBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req := body.UpdateRequest
	req.Propagation = series.PropagateFuture
	if body.PropagateChanges != nil && !*body.PropagateChanges {
		req.Propagation = series.PropagateNone
	}

	sr, updated, err := s.series.Update(r.Context(), r.PathValue("slug"), req, s.actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updateSeriesResponse{Series: newSeriesResponse(sr), Updated: updated})
}

func (s *Server) handleDeleteSeries(w http.ResponseWriter, r *http.Request) {
	deleteOccurrences := parseBoolDefault(r.URL.Query().Get("delete_occurrences"), false)
	if err := s.series.Delete(r.Context(), r.PathValue("slug"), s.actor(r), deleteOccurrences); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count := parseIntDefault(q.Get("count"), defaultUpcomingCount)
	if count <= 0 {
		s.fail(w, r, badRequest("count must be positive"))
		return
	}
	entries, err := s.occurrences.GetUpcomingOccurrences(r.Context(), r.PathValue("slug"), count, parseBoolDefault(q.Get("include_past"), false))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type updateFutureResponse struct {
	Updated int `json:"updated_occurrences"`
}

func (s *Server) handleUpdateFuture(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	from := s.now()
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := s.parseDate(r.Context(), slug, raw)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		from = t
	}
	var patch model.OccurrencePatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.fail(w, r, err)
		return
	}
	if patch.IsEmpty() {
		s.fail(w, r, badRequest("patch changes nothing"))
		return
	}
	n, err := s.occurrences.UpdateFutureOccurrences(r.Context(), slug, from, patch, s.actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updateFutureResponse{Updated: n})
}

func (s *Server) handleFindOccurrence(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	date, err := s.parseDate(r.Context(), slug, r.PathValue("date"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	occ, err := s.occurrences.FindOccurrence(r.Context(), slug, date)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if occ == nil {
		writeError(w, http.StatusNotFound, "occurrence not materialized")
		return
	}
	writeJSON(w, http.StatusOK, occ)
}

func (s *Server) handleGetOrCreate(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	date, err := s.parseDate(r.Context(), slug, r.PathValue("date"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	occ, err := s.occurrences.GetOrCreateOccurrence(r.Context(), slug, date, s.actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occ)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	occ, err := s.occurrences.MaterializeNextOccurrence(r.Context(), r.PathValue("slug"), s.actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if occ == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, occ)
}

type importBody struct {
	URL string `json:"url"`
}

type importFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type importResponse struct {
	Created []seriesResponse `json:"created"`
	Failed  []importFailure  `json:"failed,omitempty"`
}

// handleImport accepts either a raw text/calendar body or a JSON body
// naming a URL to fetch.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	payload, err := s.importPayload(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	reqs, err := ics.ParseSeries(payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	actor := s.actor(r)
	resp := importResponse{Created: []seriesResponse{}}
	var firstErr error
	for _, req := range reqs {
		sr, err := s.series.Create(r.Context(), req, actor)
		if err != nil {
			appLog.Warn("import series failed", "name", req.Name, "err", err)
			resp.Failed = append(resp.Failed, importFailure{Name: req.Name, Error: err.Error()})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resp.Created = append(resp.Created, newSeriesResponse(sr))
	}
	if len(resp.Created) == 0 && firstErr != nil {
		s.fail(w, r, firstErr)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) importPayload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body importBody
		if err := decodeJSON(w, r, &body); err != nil {
			return nil, err
		}
		if body.URL == "" {
			return nil, badRequest("url is required")
		}
		if s.fetcher == nil {
			return nil, badRequest("remote import is not available")
		}
		payload, err := s.fetcher.Fetch(r.Context(), body.URL)
		if err != nil {
			return nil, badRequest(fmt.Sprintf("fetch calendar: %v", err))
		}
		return payload, nil
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ics.DefaultMaxBytes))
	if err != nil {
		return nil, badRequest("read calendar body: " + err.Error())
	}
	return payload, nil
}

// parseDate accepts RFC 3339 timestamps or YYYY-MM-DD, the latter read as
// midnight in the series time zone.
func (s *Server) parseDate(ctx context.Context, slug, raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if _, err := time.Parse(time.DateOnly, raw); err != nil {
		return time.Time{}, badRequest(fmt.Sprintf("invalid date %q: want YYYY-MM-DD or RFC 3339", raw))
	}
	sr, err := s.series.Get(ctx, slug)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := recurrence.ResolveLocation(sr.TimeZone)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		return time.Time{}, badRequest(err.Error())
	}
	return t, nil
}
