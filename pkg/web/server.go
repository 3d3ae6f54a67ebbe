// Package web serves the JSON API: request submission, the paged build
// listing, logs and related-bundles retrieval, the worker PATCH surface
// and the health check. Handlers translate the shared error taxonomy
// into HTTP statuses in a single chokepoint.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/release-engineering/iib/pkg/api"
	"github.com/release-engineering/iib/pkg/config"
	"github.com/release-engineering/iib/pkg/database"
	"github.com/release-engineering/iib/pkg/logs"
	"github.com/release-engineering/iib/pkg/metrics"
)

// maxBodyBytes bounds inbound payloads; deprecation schemas are the
// largest legitimate bodies.
const maxBodyBytes = 32 << 20

// Store is the slice of the database layer the web plane consumes.
type Store interface {
	CreateRequests(ctx context.Context, user *string, annotations json.RawMessage, payloads []api.Payload) ([]int64, int64, error)
	AddState(ctx context.Context, requestID int64, state api.StateName, reason string) error
	UpdateRequest(ctx context.Context, requestID int64, update *api.UpdateRequest) error
	GetBuild(ctx context.Context, requestID int64, verbose bool) (api.BuildDocument, error)
	ListBuilds(ctx context.Context, filter database.ListFilter) ([]api.BuildDocument, int, error)
	GetBatchDocument(ctx context.Context, batchID int64) (*api.BatchDocument, error)
	Ping(ctx context.Context) error
}

// StatePublisher announces request state changes on the message bus.
// *messaging.Publisher implements it.
type StatePublisher interface {
	PublishStateChange(ctx context.Context, request json.RawMessage, batch *api.BatchDocument, newBatch bool)
}

// DispatchFunc hands one persisted request to the worker plane. A
// returned error is a scheduling failure: the server fails the request
// and answers 500.
type DispatchFunc func(user string, requestID int64, payload api.Payload) error

// Server is the HTTP API.
type Server struct {
	cfg       *config.Config
	store     Store
	logs      *logs.Store
	publisher StatePublisher
	dispatch  DispatchFunc
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

// NewServer wires the API handlers to their collaborators.
func NewServer(cfg *config.Config, store Store, logsStore *logs.Store, publisher StatePublisher, dispatch DispatchFunc, m *metrics.Metrics, log *logrus.Entry) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		logs:      logsStore,
		publisher: publisher,
		dispatch:  dispatch,
		metrics:   m,
		log:       log,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "The requested resource was not found"})
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusMethodNotAllowed, api.ErrorResponse{Error: "The method is not allowed for the requested URL"})
	})
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/healthcheck", s.healthcheck)
		r.Route("/builds", func(r chi.Router) {
			r.Get("/", s.listBuilds)
			r.Get("/{id:[0-9]+}", s.getBuild)
			r.Get("/{id:[0-9]+}/logs", s.getLogs)
			r.Get("/{id:[0-9]+}/related_bundles", s.getRelatedBundles)
			r.Group(func(r chi.Router) {
				r.Use(s.requireWriter)
				r.Post("/add", s.submitAdd)
				r.Post("/rm", s.submitRm)
				r.Post("/regenerate-bundle", s.submitRegenerateBundle)
				r.Post("/regenerate-bundle-batch", s.submitRegenerateBundleBatch)
				r.Post("/add-rm-batch", s.submitAddRmBatch)
				r.Post("/merge-index-image", s.submitMergeIndexImage)
				r.Post("/create-empty-index", s.submitCreateEmptyIndex)
				r.Post("/fbc-operations", s.submitFbcOperations)
				r.Post("/add-deprecations", s.submitAddDeprecations)
				r.Post("/recursive-related-bundles", s.submitRecursiveRelatedBundles)
				r.Patch("/{id:[0-9]+}", s.patchBuild)
			})
		})
	})
	router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return s.metrics.HandleWithMetrics(router)
}

// principal returns the authenticated user injected by the fronting
// proxy, or the empty string for anonymous callers.
func (s *Server) principal(r *http.Request) string {
	return r.Header.Get(s.cfg.PrincipalHeader)
}

// requireWriter rejects anonymous callers on write endpoints.
func (s *Server) requireWriter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.principal(r) == "" && !s.cfg.AllowAnonymousWrites {
			s.writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "You must be authenticated to perform this action"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(r *http.Request) *logrus.Entry {
	entry := s.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path})
	if principal := s.principal(r); principal != "" {
		entry = entry.WithField("user", principal)
	}
	return entry
}

func (s *Server) validationOptions(principal string) api.ValidationOptions {
	return api.ValidationOptions{
		PrivilegedUser:          s.cfg.IsPrivileged(principal),
		ForceOverwriteFromIndex: s.cfg.ForceOverwriteFromIndex,
		BinaryImageConfigured:   s.cfg.BinaryImageConfigured(),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Error("failed to encode response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Anything
// untyped is a 500 with a generic body; the cause is only logged.
func (s *Server) writeError(log *logrus.Entry, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "An unexpected error occurred"
	var validationErr *api.ValidationError
	var authorizationErr *api.AuthorizationError
	var notFoundErr *api.NotFoundError
	var goneErr *api.GoneError
	var serverErr *api.ServerError
	switch {
	case errors.As(err, &validationErr):
		status, message = http.StatusBadRequest, validationErr.Message
	case errors.As(err, &authorizationErr):
		status, message = http.StatusForbidden, authorizationErr.Message
	case errors.As(err, &notFoundErr):
		status, message = http.StatusNotFound, notFoundErr.Message
	case errors.As(err, &goneErr):
		status, message = http.StatusGone, goneErr.Message
	case errors.As(err, &serverErr):
		message = serverErr.Message
		log.WithError(err).Error("the request failed")
	default:
		log.WithError(err).Error("the request failed with an unexpected error")
	}
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, api.ValidationErrorf("The request body could not be read")
	}
	return body, nil
}

func requestID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, api.ValidationErrorf("The request ID must be an integer")
	}
	return id, nil
}

// decorate attaches the logs pointer, and for the bundle-oriented
// request types the related-bundles pointer, to a loaded document.
func (s *Server) decorate(doc api.BuildDocument) api.BuildDocument {
	return s.logs.Decorate(s.cfg.ServerURL, doc)
}

// publishState loads the request's current document and batch summary
// and announces them on the bus. Failures are logged, never raised.
func (s *Server) publishState(ctx context.Context, log *logrus.Entry, requestID, batchID int64, newBatch bool) {
	doc, err := s.store.GetBuild(ctx, requestID, false)
	if err != nil {
		log.WithError(err).WithField("request_id", requestID).Error("failed to load the request for the state change message")
		return
	}
	body, err := json.Marshal(s.decorate(doc))
	if err != nil {
		log.WithError(err).WithField("request_id", requestID).Error("failed to serialize the request for the state change message")
		return
	}
	batch, err := s.store.GetBatchDocument(ctx, batchID)
	if err != nil {
		log.WithError(err).WithField("batch", batchID).Error("failed to load the batch for the state change message")
		return
	}
	s.publisher.PublishStateChange(ctx, body, batch, newBatch)
}

// pageURL rebuilds the request URL against the configured server URL
// with the page parameter replaced.
func (s *Server) pageURL(r *http.Request, page int) string {
	query := r.URL.Query()
	query.Set("page", strconv.Itoa(page))
	return strings.TrimSuffix(s.cfg.ServerURL, "/") + r.URL.Path + "?" + query.Encode()
}

// paginationFor computes the page metadata of a list response. The
// first and last pages always exist; next and previous are null at the
// edges.
func (s *Server) paginationFor(r *http.Request, page, perPage, total int) api.Pagination {
	pages := (total + perPage - 1) / perPage
	if pages < 1 {
		pages = 1
	}
	meta := api.Pagination{
		First:   s.pageURL(r, 1),
		Last:    s.pageURL(r, pages),
		Page:    page,
		Pages:   pages,
		PerPage: perPage,
		Total:   total,
	}
	if page < pages {
		next := s.pageURL(r, page+1)
		meta.Next = &next
	}
	if page > 1 {
		previous := s.pageURL(r, page-1)
		meta.Previous = &previous
	}
	return meta
}
