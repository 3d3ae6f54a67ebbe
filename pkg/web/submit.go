package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/release-engineering/iib/pkg/api"
)

func (s *Server) submitAdd(w http.ResponseWriter, r *http.Request) {
	s.submitOne(w, r, func(body []byte) (api.Payload, error) { return api.ParseAddRequest(body) })
}

func (s *Server) submitRm(w http.ResponseWriter, r *http.Request) {
	s.submitOne(w, r, func(body []byte) (api.Payload, error) { return api.ParseRmRequest(body) })
}

func (s *Server) submitRegenerateBundle(w http.ResponseWriter, r *http.Request) {
	s.submitOne(w, r, func(body []byte) (api.Payload, error) { return api.ParseRegenerateBundleRequest(body) })
}

func (s *Server) submitMergeIndexImage(w http.ResponseWriter, r *http.Request) {
	s.submitOne(w, r, func(body []byte) (api.Payload, error) { return api.ParseMergeIndexImageRequest(body) })
}

func (s *Server) submitCreateEmptyIndex(w http.ResponseWriter, r *http.Request) {
	s.submitOne(w, r, func(body []byte) (api.Payload, error) { return api.ParseCreateEmptyIndexRequest(body) })
}

func (s *Server) submitFbcOperations(w http.ResponseWriter, r *http.Request) {
	s.submitOne(w, r, func(body []byte) (api.Payload, error) { return api.ParseFbcOperationsRequest(body) })
}

func (s *Server) submitAddDeprecations(w http.ResponseWriter, r *http.Request) {
	s.submitOne(w, r, func(body []byte) (api.Payload, error) { return api.ParseAddDeprecationsRequest(body) })
}

func (s *Server) submitRecursiveRelatedBundles(w http.ResponseWriter, r *http.Request) {
	s.submitOne(w, r, func(body []byte) (api.Payload, error) { return api.ParseRecursiveRelatedBundlesRequest(body) })
}

func (s *Server) submitRegenerateBundleBatch(w http.ResponseWriter, r *http.Request) {
	s.submitBatch(w, r, func(body []byte) (api.Payload, error) { return api.ParseRegenerateBundleRequest(body) })
}

// submitAddRmBatch accepts a batch mixing add and rm payloads. An item
// carrying an operators key is an rm request, one carrying a bundles
// key is an add request.
func (s *Server) submitAddRmBatch(w http.ResponseWriter, r *http.Request) {
	s.submitBatch(w, r, func(body []byte) (api.Payload, error) {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(body, &probe); err != nil {
			return nil, api.ValidationErrorf("The request body must be a JSON object")
		}
		if _, ok := probe["operators"]; ok {
			return api.ParseRmRequest(body)
		}
		if _, ok := probe["bundles"]; ok {
			return api.ParseAddRequest(body)
		}
		return nil, api.ValidationErrorf("Build request is not a valid Add/Rm request")
	})
}

// submitOne creates and dispatches a single request and answers with
// its document.
func (s *Server) submitOne(w http.ResponseWriter, r *http.Request, parse func([]byte) (api.Payload, error)) {
	log := s.requestLogger(r)
	body, err := readBody(r)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	payload, err := parse(body)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	docs, err := s.createAndDispatch(r, log, nil, []api.Payload{payload})
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, docs[0])
}

// submitBatch creates all requests of a batch in one transaction,
// dispatches them in order and answers with the list of documents.
func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request, parse func([]byte) (api.Payload, error)) {
	log := s.requestLogger(r)
	body, err := readBody(r)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	batch, err := api.ParseBatchRequest(body)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	payloads := make([]api.Payload, 0, len(batch.BuildRequests))
	for i, raw := range batch.BuildRequests {
		payload, err := parse(raw)
		if err != nil {
			s.writeError(log, w, wrapBatchError(i, err))
			return
		}
		payloads = append(payloads, payload)
	}
	docs, err := s.createAndDispatch(r, log, batch.Annotations, payloads)
	if err != nil {
		s.writeError(log, w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, docs)
}

// wrapBatchError prefixes a validation failure with the position of the
// offending batch item. Authorization failures keep their own status.
func wrapBatchError(index int, err error) error {
	var validationErr *api.ValidationError
	if errors.As(err, &validationErr) {
		return api.ValidationErrorf("Build request #%d is invalid. %s", index, validationErr.Message)
	}
	return err
}

// createAndDispatch validates the payloads, persists them with their
// initial state, announces the creations on the bus and hands every
// request to the worker plane. A scheduling failure flips the affected
// requests to failed and surfaces as a ServerError.
func (s *Server) createAndDispatch(r *http.Request, log *logrus.Entry, annotations json.RawMessage, payloads []api.Payload) ([]api.BuildDocument, error) {
	ctx := r.Context()
	principal := s.principal(r)
	opts := s.validationOptions(principal)
	for i, payload := range payloads {
		if err := payload.Validate(opts); err != nil {
			if len(payloads) > 1 {
				return nil, wrapBatchError(i, err)
			}
			return nil, err
		}
	}

	var user *string
	if principal != "" {
		user = &principal
	}
	ids, batchID, err := s.store.CreateRequests(ctx, user, annotations, payloads)
	if err != nil {
		return nil, err
	}

	docs := make([]api.BuildDocument, 0, len(ids))
	for i, id := range ids {
		s.metrics.RecordRequestCreated(string(payloads[i].Type()))
		s.publishState(ctx, log, id, batchID, i == 0)
		if err := s.dispatch(principal, id, payloads[i]); err != nil {
			log.WithError(err).WithField("request_id", id).Error("failed to schedule the build request")
			s.failUndispatched(ctx, log, batchID, ids[i:], payloads[i:])
			return nil, api.ServerErrorf("The scheduling of the build request with ID %d failed", id)
		}
		doc, err := s.store.GetBuild(ctx, id, true)
		if err != nil {
			return nil, err
		}
		docs = append(docs, s.decorate(doc))
	}
	return docs, nil
}

// failUndispatched flips the requests a scheduling failure stranded to
// failed and announces each transition.
func (s *Server) failUndispatched(ctx context.Context, log *logrus.Entry, batchID int64, ids []int64, payloads []api.Payload) {
	for i, id := range ids {
		reason := fmt.Sprintf("The scheduling of the build request with ID %d failed", id)
		if err := s.store.AddState(ctx, id, api.StateFailed, reason); err != nil {
			log.WithError(err).WithField("request_id", id).Error("failed to mark the stranded request as failed")
			continue
		}
		s.metrics.RecordStateTransition(string(payloads[i].Type()), string(api.StateFailed))
		s.publishState(ctx, log, id, batchID, false)
	}
}
