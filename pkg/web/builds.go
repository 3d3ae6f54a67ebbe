package web

import (
	"net/http"
	"strconv"

	"github.com/release-engineering/iib/pkg/api"
	"github.com/release-engineering/iib/pkg/database"
)

// defaultPerPage applies when the caller does not pass per_page; the
// configured maximum still clamps it.
const defaultPerPage = 20

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)
	id, err := requestID(r)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	doc, err := s.store.GetBuild(r.Context(), id, true)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.decorate(doc))
}

func (s *Server) listBuilds(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)
	query := r.URL.Query()

	filter := database.ListFilter{
		Page:    1,
		PerPage: defaultPerPage,
		User:    query.Get("user"),
	}
	if raw := query.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			s.writeError(log, w, api.ValidationErrorf("The page must be a positive integer"))
			return
		}
		filter.Page = page
	}
	if raw := query.Get("per_page"); raw != "" {
		perPage, err := strconv.Atoi(raw)
		if err != nil || perPage < 1 {
			s.writeError(log, w, api.ValidationErrorf("The per_page must be a positive integer"))
			return
		}
		filter.PerPage = perPage
	}
	if filter.PerPage > s.cfg.MaxPerPage {
		filter.PerPage = s.cfg.MaxPerPage
	}
	if state := query.Get("state"); state != "" {
		if !api.IsValidState(api.StateName(state)) {
			s.writeError(log, w, api.ValidationErrorf(
				"The state %q is invalid. It must be one of: %s.", state, api.JoinValidStates()))
			return
		}
		filter.State = state
	}
	if raw := query.Get("batch"); raw != "" {
		batch, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || batch < 1 {
			s.writeError(log, w, api.ValidationErrorf("The batch must be a positive integer"))
			return
		}
		filter.Batch = batch
	}
	if verbose, err := strconv.ParseBool(query.Get("verbose")); err == nil {
		filter.Verbose = verbose
	}

	docs, total, err := s.store.ListBuilds(r.Context(), filter)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	items := make([]any, 0, len(docs))
	for _, doc := range docs {
		items = append(items, s.decorate(doc))
	}
	s.writeJSON(w, http.StatusOK, api.BuildList{
		Items: items,
		Meta:  s.paginationFor(r, filter.Page, filter.PerPage, total),
	})
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)
	id, err := requestID(r)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	doc, err := s.store.GetBuild(r.Context(), id, false)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	content, err := s.logs.GetLogs(r.Context(), id, doc.Envelope().Updated)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write(content); err != nil {
		log.WithError(err).Error("failed to write response")
	}
}

func (s *Server) getRelatedBundles(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)
	id, err := requestID(r)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	doc, err := s.store.GetBuild(r.Context(), id, false)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	envelope := doc.Envelope()
	switch envelope.RequestType {
	case api.TypeRegenerateBundle, api.TypeRecursiveRelatedBundles:
	default:
		s.writeError(log, w, api.ValidationErrorf(
			"The request %d is not a regenerate-bundle or recursive-related-bundles request", id))
		return
	}
	content, err := s.logs.GetRelatedBundles(r.Context(), id, envelope.Updated)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(content); err != nil {
		log.WithError(err).Error("failed to write response")
	}
}

// patchBuild is the worker-plane write surface: partial updates of the
// resolved images, arches, bundle mapping and state.
func (s *Server) patchBuild(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)
	if !s.cfg.IsWorker(s.principal(r)) {
		s.writeError(log, w, api.AuthorizationErrorf("This API endpoint is restricted to IIB workers"))
		return
	}
	id, err := requestID(r)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	update, err := api.ParseUpdateRequest(body)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	if err := s.store.UpdateRequest(r.Context(), id, update); err != nil {
		s.writeError(log, w, err)
		return
	}
	doc, err := s.store.GetBuild(r.Context(), id, true)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	if update.State != nil {
		s.metrics.RecordStateTransition(string(doc.Envelope().RequestType), string(*update.State))
		s.publishState(r.Context(), log, id, doc.Envelope().Batch, false)
	}
	s.writeJSON(w, http.StatusOK, s.decorate(doc))
}

func (s *Server) healthcheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.requestLogger(r).WithError(err).Error("the database health check failed")
		s.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "Database health check failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "Health check OK"})
}
