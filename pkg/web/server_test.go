package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/release-engineering/iib/pkg/api"
	"github.com/release-engineering/iib/pkg/config"
	"github.com/release-engineering/iib/pkg/database"
	"github.com/release-engineering/iib/pkg/logs"
)

type fakeRequest struct {
	id      int64
	batch   int64
	reqType api.RequestType
	user    *string
	states  []api.StateHistoryEntry
}

func (r *fakeRequest) document(verbose bool) api.BuildDocument {
	last := r.states[len(r.states)-1]
	envelope := api.Build{
		ID:          r.id,
		Arches:      []string{},
		Batch:       r.batch,
		RequestType: r.reqType,
		User:        r.user,
		State:       last.State,
		StateReason: last.StateReason,
		Updated:     last.Updated,
	}
	if verbose {
		envelope.StateHistory = append([]api.StateHistoryEntry{}, r.states...)
	}
	switch r.reqType {
	case api.TypeRm:
		return &api.RmBuild{Build: envelope}
	case api.TypeRegenerateBundle:
		return &api.RegenerateBundleBuild{Build: envelope}
	case api.TypeRecursiveRelatedBundles:
		return &api.RecursiveRelatedBundlesBuild{Build: envelope}
	default:
		return &api.AddBuild{Build: envelope}
	}
}

type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	nextBatch int64
	requests  map[int64]*fakeRequest
	updates   map[int64][]*api.UpdateRequest
	createErr error
	pingErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		requests: map[int64]*fakeRequest{},
		updates:  map[int64][]*api.UpdateRequest{},
	}
}

func (f *fakeStore) CreateRequests(_ context.Context, user *string, _ json.RawMessage, payloads []api.Payload) ([]int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, 0, f.createErr
	}
	f.nextBatch++
	ids := make([]int64, 0, len(payloads))
	for _, payload := range payloads {
		f.nextID++
		request := &fakeRequest{id: f.nextID, batch: f.nextBatch, reqType: payload.Type(), user: user}
		request.states = append(request.states, api.StateHistoryEntry{
			State:       api.StateInProgress,
			StateReason: api.StateReasonInitiated,
			Updated:     time.Now().UTC(),
		})
		f.requests[request.id] = request
		ids = append(ids, request.id)
	}
	return ids, f.nextBatch, nil
}

func (f *fakeStore) AddState(_ context.Context, requestID int64, state api.StateName, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	request, ok := f.requests[requestID]
	if !ok {
		return api.NotFoundErrorf("The requested resource was not found")
	}
	request.states = append(request.states, api.StateHistoryEntry{State: state, StateReason: reason, Updated: time.Now().UTC()})
	return nil
}

func (f *fakeStore) UpdateRequest(_ context.Context, requestID int64, update *api.UpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	request, ok := f.requests[requestID]
	if !ok {
		return api.NotFoundErrorf("The requested resource was not found")
	}
	f.updates[requestID] = append(f.updates[requestID], update)
	if update.State != nil {
		request.states = append(request.states, api.StateHistoryEntry{State: *update.State, StateReason: *update.StateReason, Updated: time.Now().UTC()})
	}
	return nil
}

func (f *fakeStore) GetBuild(_ context.Context, requestID int64, verbose bool) (api.BuildDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	request, ok := f.requests[requestID]
	if !ok {
		return nil, api.NotFoundErrorf("The requested resource was not found")
	}
	return request.document(verbose), nil
}

func (f *fakeStore) ListBuilds(_ context.Context, filter database.ListFilter) ([]api.BuildDocument, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.requests))
	for id := range f.requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	var matched []*fakeRequest
	for _, id := range ids {
		request := f.requests[id]
		last := request.states[len(request.states)-1]
		if filter.State != "" && string(last.State) != filter.State {
			continue
		}
		if filter.Batch != 0 && request.batch != filter.Batch {
			continue
		}
		matched = append(matched, request)
	}
	total := len(matched)
	start := (filter.Page - 1) * filter.PerPage
	if start > total {
		start = total
	}
	end := start + filter.PerPage
	if end > total {
		end = total
	}
	docs := make([]api.BuildDocument, 0, end-start)
	for _, request := range matched[start:end] {
		docs = append(docs, request.document(filter.Verbose))
	}
	return docs, total, nil
}

func (f *fakeStore) GetBatchDocument(_ context.Context, batchID int64) (*api.BatchDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := &api.BatchDocument{Batch: batchID, State: api.StateInProgress}
	for _, request := range f.requests {
		if request.batch != batchID {
			continue
		}
		doc.RequestIDs = append(doc.RequestIDs, request.id)
		doc.Requests = append(doc.Requests, api.BatchRequest{ID: request.id, RequestType: request.reqType})
		doc.User = request.user
	}
	sort.Slice(doc.RequestIDs, func(i, j int) bool { return doc.RequestIDs[i] < doc.RequestIDs[j] })
	sort.Slice(doc.Requests, func(i, j int) bool { return doc.Requests[i].ID < doc.Requests[j].ID })
	return doc, nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) lastState(requestID int64) api.StateHistoryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	states := f.requests[requestID].states
	return states[len(states)-1]
}

type publishedMessage struct {
	request  map[string]any
	batch    *api.BatchDocument
	newBatch bool
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
}

func (p *fakePublisher) PublishStateChange(_ context.Context, request json.RawMessage, batch *api.BatchDocument, newBatch bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var decoded map[string]any
	_ = json.Unmarshal(request, &decoded)
	p.messages = append(p.messages, publishedMessage{request: decoded, batch: batch, newBatch: newBatch})
}

type dispatchCall struct {
	user      string
	requestID int64
	payload   api.Payload
}

type dispatchRecorder struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (d *dispatchRecorder) dispatch(user string, requestID int64, payload api.Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.calls = append(d.calls, dispatchCall{user: user, requestID: requestID, payload: payload})
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeStore, *fakePublisher, *dispatchRecorder) {
	t.Helper()
	cfg := &config.Config{
		ServerURL:                "http://iib.example.com",
		PrincipalHeader:          "X-Forwarded-User",
		MaxPerPage:               20,
		RequestLogsDir:           t.TempDir(),
		RequestLogsDaysToLive:    3,
		RequestDataDaysToLive:    3,
		RequestRelatedBundlesDir: t.TempDir(),
		PrivilegedUsernames:      []string{"privileged@DOMAIN.LOCAL"},
		WorkerUsernames:          []string{"worker@DOMAIN.LOCAL"},
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	entry := logrus.NewEntry(logger)
	logsStore, err := logs.NewStore(context.Background(), cfg, entry)
	if err != nil {
		t.Fatalf("failed to construct the logs store: %v", err)
	}
	store := newFakeStore()
	publisher := &fakePublisher{}
	recorder := &dispatchRecorder{}
	return NewServer(cfg, store, logsStore, publisher, recorder.dispatch, nil, entry), store, publisher, recorder
}

func doRequest(t *testing.T, server *Server, method, target, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	if user != "" {
		request.Header.Set("X-Forwarded-User", user)
	}
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, request)
	return recorder
}

func decodeObject(t *testing.T, body string) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		t.Fatalf("failed to decode the response %q: %v", body, err)
	}
	return decoded
}

func TestSubmitAdd(t *testing.T) {
	server, store, publisher, recorder := newTestServer(t)

	resp := doRequest(t, server, http.MethodPost, "/api/v1/builds/add", "tbrady@DOMAIN.LOCAL",
		`{"bundles":["quay.io/ns/b:1"],"binary_image":"binary:image","add_arches":["s390x"]}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	doc := decodeObject(t, resp.Body.String())
	if doc["request_type"] != "add" {
		t.Errorf("expected request_type add, got %v", doc["request_type"])
	}
	if doc["state"] != "in_progress" {
		t.Errorf("expected state in_progress, got %v", doc["state"])
	}
	if doc["state_reason"] != api.StateReasonInitiated {
		t.Errorf("expected the initiation reason, got %v", doc["state_reason"])
	}
	if doc["user"] != "tbrady@DOMAIN.LOCAL" {
		t.Errorf("expected the submitting user, got %v", doc["user"])
	}
	history, ok := doc["state_history"].([]any)
	if !ok || len(history) != 1 {
		t.Errorf("expected one state history entry, got %v", doc["state_history"])
	}
	logsRef, ok := doc["logs"].(map[string]any)
	if !ok {
		t.Fatalf("expected a logs pointer, got %v", doc["logs"])
	}
	if url, _ := logsRef["url"].(string); !strings.HasSuffix(url, "/api/v1/builds/1/logs") {
		t.Errorf("unexpected logs url %q", url)
	}

	if len(publisher.messages) != 1 {
		t.Fatalf("expected one state change message, got %d", len(publisher.messages))
	}
	if !publisher.messages[0].newBatch {
		t.Error("expected the creation message to announce a new batch")
	}
	if got := publisher.messages[0].batch.State; got != api.StateInProgress {
		t.Errorf("expected the batch to be in progress, got %s", got)
	}

	if len(recorder.calls) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(recorder.calls))
	}
	call := recorder.calls[0]
	if call.user != "tbrady@DOMAIN.LOCAL" || call.requestID != 1 || call.payload.Type() != api.TypeAdd {
		t.Errorf("unexpected dispatch call: %+v", call)
	}
	if got := store.lastState(1); got.State != api.StateInProgress {
		t.Errorf("expected the stored request to stay in progress, got %s", got.State)
	}
}

func TestSubmitAddValidation(t *testing.T) {
	testCases := []struct {
		name       string
		user       string
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "unknown parameters are listed",
			user:       "tbrady@DOMAIN.LOCAL",
			body:       `{"bundles":["b:1"],"zfield":1,"afield":2}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "The following parameters are invalid: afield, zfield",
		},
		{
			name:       "from_index or add_arches required",
			user:       "tbrady@DOMAIN.LOCAL",
			body:       `{"bundles":["b:1"],"binary_image":"binary:image"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  `One of "from_index" or "add_arches" must be specified`,
		},
		{
			name:       "overwrite token without flag",
			user:       "tbrady@DOMAIN.LOCAL",
			body:       `{"bundles":["b:1"],"binary_image":"binary:image","from_index":"index:v4.17","overwrite_from_index_token":"secret"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  `The "overwrite_from_index_token" parameter is useless without "overwrite_from_index"`,
		},
		{
			name:       "unprivileged overwrite without token",
			user:       "tbrady@DOMAIN.LOCAL",
			body:       `{"bundles":["b:1"],"binary_image":"binary:image","from_index":"index:v4.17","overwrite_from_index":true}`,
			wantStatus: http.StatusForbidden,
			wantError:  `You must be a privileged user to set "overwrite_from_index"`,
		},
		{
			name:       "privileged overwrite without token",
			user:       "privileged@DOMAIN.LOCAL",
			body:       `{"bundles":["b:1"],"binary_image":"binary:image","from_index":"index:v4.17","overwrite_from_index":true}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "anonymous write",
			body:       `{"bundles":["b:1"],"binary_image":"binary:image","add_arches":["amd64"]}`,
			wantStatus: http.StatusUnauthorized,
			wantError:  "You must be authenticated to perform this action",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server, _, _, _ := newTestServer(t)
			resp := doRequest(t, server, http.MethodPost, "/api/v1/builds/add", tc.user, tc.body)
			if resp.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, resp.Code, resp.Body.String())
			}
			if tc.wantError == "" {
				return
			}
			if got := decodeObject(t, resp.Body.String())["error"]; got != tc.wantError {
				t.Errorf("unexpected error message: %v", got)
			}
		})
	}
}

func TestSubmitAddSchedulingFailure(t *testing.T) {
	server, store, publisher, recorder := newTestServer(t)
	recorder.err = errors.New("the queue manager is stopped")

	resp := doRequest(t, server, http.MethodPost, "/api/v1/builds/add", "tbrady@DOMAIN.LOCAL",
		`{"bundles":["quay.io/ns/b:1"],"binary_image":"binary:image","add_arches":["s390x"]}`)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", resp.Code, resp.Body.String())
	}
	wantBody := `{"error":"The scheduling of the build request with ID 1 failed"}`
	if got := strings.TrimSpace(resp.Body.String()); got != wantBody {
		t.Errorf("unexpected body: %s", got)
	}
	last := store.lastState(1)
	if last.State != api.StateFailed {
		t.Errorf("expected the request to be failed, got %s", last.State)
	}
	if last.StateReason != "The scheduling of the build request with ID 1 failed" {
		t.Errorf("unexpected failure reason: %s", last.StateReason)
	}
	if len(publisher.messages) != 2 {
		t.Fatalf("expected the initiation and failure messages, got %d", len(publisher.messages))
	}
	if got := publisher.messages[1].request["state"]; got != "failed" {
		t.Errorf("expected the second message to carry the failed state, got %v", got)
	}
}

func TestSubmitAddRmBatch(t *testing.T) {
	server, _, publisher, recorder := newTestServer(t)

	body := `{
		"build_requests": [
			{"operators":["prometheus"],"from_index":"index:v4.17","binary_image":"binary:image"},
			{"bundles":["quay.io/ns/b:1"],"binary_image":"binary:image","add_arches":["amd64"]}
		],
		"annotations": {"team":"curators"}
	}`
	resp := doRequest(t, server, http.MethodPost, "/api/v1/builds/add-rm-batch", "tbrady@DOMAIN.LOCAL", body)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var docs []map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &docs); err != nil {
		t.Fatalf("failed to decode the response: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected two documents, got %d", len(docs))
	}
	wantTypes := []any{"rm", "add"}
	for i, doc := range docs {
		if doc["request_type"] != wantTypes[i] {
			t.Errorf("document %d: expected type %v, got %v", i, wantTypes[i], doc["request_type"])
		}
		if doc["batch"] != float64(1) {
			t.Errorf("document %d: expected batch 1, got %v", i, doc["batch"])
		}
	}
	var newBatchFlags []bool
	for _, message := range publisher.messages {
		newBatchFlags = append(newBatchFlags, message.newBatch)
	}
	if diff := cmp.Diff([]bool{true, false}, newBatchFlags); diff != "" {
		t.Errorf("unexpected batch announcement flags: %s", diff)
	}
	if len(recorder.calls) != 2 {
		t.Errorf("expected two dispatches, got %d", len(recorder.calls))
	}
}

func TestSubmitAddRmBatchValidation(t *testing.T) {
	testCases := []struct {
		name      string
		body      string
		wantError string
	}{
		{
			name:      "empty batch",
			body:      `{"build_requests":[]}`,
			wantError: `The "build_requests" parameter is required and must not be empty`,
		},
		{
			name:      "item is neither add nor rm",
			body:      `{"build_requests":[{"binary_image":"binary:image"}]}`,
			wantError: "Build request #0 is invalid. Build request is not a valid Add/Rm request",
		},
		{
			name:      "invalid item is positioned",
			body:      `{"build_requests":[{"operators":["p"],"from_index":"i:1","binary_image":"b"},{"bundles":["b:1"],"binary_image":"b"}]}`,
			wantError: `Build request #1 is invalid. One of "from_index" or "add_arches" must be specified`,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server, _, _, _ := newTestServer(t)
			resp := doRequest(t, server, http.MethodPost, "/api/v1/builds/add-rm-batch", "tbrady@DOMAIN.LOCAL", tc.body)
			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", resp.Code, resp.Body.String())
			}
			if got := decodeObject(t, resp.Body.String())["error"]; got != tc.wantError {
				t.Errorf("unexpected error message: %v", got)
			}
		})
	}
}

func TestListBuildsValidation(t *testing.T) {
	testCases := []struct {
		name      string
		target    string
		wantError string
	}{
		{
			name:      "unknown state",
			target:    "/api/v1/builds?state=bogus",
			wantError: `The state "bogus" is invalid. It must be one of: complete, failed, in_progress.`,
		},
		{
			name:      "zero batch",
			target:    "/api/v1/builds?batch=0",
			wantError: "The batch must be a positive integer",
		},
		{
			name:      "non-integer batch",
			target:    "/api/v1/builds?batch=spam",
			wantError: "The batch must be a positive integer",
		},
		{
			name:      "zero page",
			target:    "/api/v1/builds?page=0",
			wantError: "The page must be a positive integer",
		},
		{
			name:      "negative per_page",
			target:    "/api/v1/builds?per_page=-1",
			wantError: "The per_page must be a positive integer",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server, _, _, _ := newTestServer(t)
			resp := doRequest(t, server, http.MethodGet, tc.target, "", "")
			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", resp.Code, resp.Body.String())
			}
			if got := decodeObject(t, resp.Body.String())["error"]; got != tc.wantError {
				t.Errorf("unexpected error message: %v", got)
			}
		})
	}
}

func TestListBuildsPagination(t *testing.T) {
	server, store, _, _ := newTestServer(t)
	for i := 0; i < 45; i++ {
		user := "tbrady@DOMAIN.LOCAL"
		if _, _, err := store.CreateRequests(context.Background(), &user, nil, []api.Payload{&api.AddRequest{Bundles: []string{"b:1"}}}); err != nil {
			t.Fatalf("failed to seed the store: %v", err)
		}
	}

	resp := doRequest(t, server, http.MethodGet, "/api/v1/builds?page=2&per_page=100", "", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	doc := decodeObject(t, resp.Body.String())
	items := doc["items"].([]any)
	// per_page is clamped to the configured maximum of 20.
	if len(items) != 20 {
		t.Errorf("expected a clamped page of 20 items, got %d", len(items))
	}
	first := items[0].(map[string]any)
	if first["id"] != float64(25) {
		t.Errorf("expected the second page to start at id 25, got %v", first["id"])
	}
	meta := doc["meta"].(map[string]any)
	if meta["page"] != float64(2) || meta["pages"] != float64(3) || meta["per_page"] != float64(20) || meta["total"] != float64(45) {
		t.Errorf("unexpected pagination metadata: %v", meta)
	}
	next, _ := meta["next"].(string)
	if !strings.Contains(next, "page=3") || !strings.HasPrefix(next, "http://iib.example.com/api/v1/builds") {
		t.Errorf("unexpected next url %q", next)
	}
	previous, _ := meta["previous"].(string)
	if !strings.Contains(previous, "page=1") {
		t.Errorf("unexpected previous url %q", previous)
	}

	resp = doRequest(t, server, http.MethodGet, "/api/v1/builds?page=3&per_page=20", "", "")
	meta = decodeObject(t, resp.Body.String())["meta"].(map[string]any)
	if meta["next"] != nil {
		t.Errorf("expected no next page on the last page, got %v", meta["next"])
	}
}

func TestGetBuild(t *testing.T) {
	server, store, _, _ := newTestServer(t)
	user := "tbrady@DOMAIN.LOCAL"
	if _, _, err := store.CreateRequests(context.Background(), &user, nil, []api.Payload{&api.AddRequest{Bundles: []string{"b:1"}}}); err != nil {
		t.Fatalf("failed to seed the store: %v", err)
	}

	resp := doRequest(t, server, http.MethodGet, "/api/v1/builds/1", "", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	doc := decodeObject(t, resp.Body.String())
	if doc["id"] != float64(1) {
		t.Errorf("unexpected id %v", doc["id"])
	}
	if _, ok := doc["state_history"]; !ok {
		t.Error("expected the single-request endpoint to be verbose")
	}

	resp = doRequest(t, server, http.MethodGet, "/api/v1/builds/99", "", "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if got := decodeObject(t, resp.Body.String())["error"]; got != "The requested resource was not found" {
		t.Errorf("unexpected error message: %v", got)
	}

	resp = doRequest(t, server, http.MethodGet, "/api/v1/builds/spam", "", "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a non-integer id, got %d", resp.Code)
	}
}

func TestGetLogs(t *testing.T) {
	server, store, _, _ := newTestServer(t)
	user := "tbrady@DOMAIN.LOCAL"
	if _, _, err := store.CreateRequests(context.Background(), &user, nil, []api.Payload{&api.AddRequest{Bundles: []string{"b:1"}}}); err != nil {
		t.Fatalf("failed to seed the store: %v", err)
	}

	t.Run("missing logfile", func(t *testing.T) {
		resp := doRequest(t, server, http.MethodGet, "/api/v1/builds/1/logs", "", "")
		if resp.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.Code)
		}
	})

	t.Run("existing logfile", func(t *testing.T) {
		path := filepath.Join(server.cfg.RequestLogsDir, "1.log")
		if err := os.WriteFile(path, []byte("resolving images\n"), 0o644); err != nil {
			t.Fatalf("failed to write the logfile: %v", err)
		}
		resp := doRequest(t, server, http.MethodGet, "/api/v1/builds/1/logs", "", "")
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
		}
		if got := resp.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
			t.Errorf("unexpected content type %q", got)
		}
		if resp.Body.String() != "resolving images\n" {
			t.Errorf("unexpected body %q", resp.Body.String())
		}
	})

	t.Run("expired logs are gone", func(t *testing.T) {
		store.mu.Lock()
		states := store.requests[1].states
		states[len(states)-1].Updated = time.Now().Add(-4 * 24 * time.Hour)
		store.mu.Unlock()
		resp := doRequest(t, server, http.MethodGet, "/api/v1/builds/1/logs", "", "")
		if resp.Code != http.StatusGone {
			t.Fatalf("expected 410, got %d", resp.Code)
		}
		want := "The logs for the build request 1 have been removed due to expiration"
		if got := decodeObject(t, resp.Body.String())["error"]; got != want {
			t.Errorf("unexpected error message: %v", got)
		}
	})
}

func TestGetRelatedBundles(t *testing.T) {
	server, store, _, _ := newTestServer(t)
	user := "tbrady@DOMAIN.LOCAL"
	payloads := []api.Payload{
		&api.RecursiveRelatedBundlesRequest{ParentBundleImage: "quay.io/ns/parent:1"},
		&api.AddRequest{Bundles: []string{"b:1"}},
	}
	if _, _, err := store.CreateRequests(context.Background(), &user, nil, payloads); err != nil {
		t.Fatalf("failed to seed the store: %v", err)
	}
	path := filepath.Join(server.cfg.RequestRelatedBundlesDir, "1_related_bundles.json")
	if err := os.WriteFile(path, []byte(`["quay.io/ns/child:1"]`), 0o644); err != nil {
		t.Fatalf("failed to write the related bundles: %v", err)
	}

	resp := doRequest(t, server, http.MethodGet, "/api/v1/builds/1/related_bundles", "", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if got := strings.TrimSpace(resp.Body.String()); got != `["quay.io/ns/child:1"]` {
		t.Errorf("unexpected body %q", got)
	}

	resp = doRequest(t, server, http.MethodGet, "/api/v1/builds/2/related_bundles", "", "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-bundle request, got %d", resp.Code)
	}
	want := "The request 2 is not a regenerate-bundle or recursive-related-bundles request"
	if got := decodeObject(t, resp.Body.String())["error"]; got != want {
		t.Errorf("unexpected error message: %v", got)
	}
}

func TestPatchBuild(t *testing.T) {
	server, store, publisher, _ := newTestServer(t)
	user := "tbrady@DOMAIN.LOCAL"
	if _, _, err := store.CreateRequests(context.Background(), &user, nil, []api.Payload{&api.AddRequest{Bundles: []string{"b:1"}}}); err != nil {
		t.Fatalf("failed to seed the store: %v", err)
	}

	t.Run("non-worker principals are rejected", func(t *testing.T) {
		resp := doRequest(t, server, http.MethodPatch, "/api/v1/builds/1", "tbrady@DOMAIN.LOCAL", `{"arches":["amd64"]}`)
		if resp.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d: %s", resp.Code, resp.Body.String())
		}
		if got := decodeObject(t, resp.Body.String())["error"]; got != "This API endpoint is restricted to IIB workers" {
			t.Errorf("unexpected error message: %v", got)
		}
	})

	t.Run("state and reason travel together", func(t *testing.T) {
		resp := doRequest(t, server, http.MethodPatch, "/api/v1/builds/1", "worker@DOMAIN.LOCAL", `{"state":"complete"}`)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d: %s", resp.Code, resp.Body.String())
		}
	})

	t.Run("worker update", func(t *testing.T) {
		body := `{"arches":["amd64","s390x"],"state":"complete","state_reason":"The request completed successfully"}`
		resp := doRequest(t, server, http.MethodPatch, "/api/v1/builds/1", "worker@DOMAIN.LOCAL", body)
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
		}
		doc := decodeObject(t, resp.Body.String())
		if doc["state"] != "complete" {
			t.Errorf("expected the response to carry the new state, got %v", doc["state"])
		}
		if len(store.updates[1]) != 1 {
			t.Fatalf("expected one stored update, got %d", len(store.updates[1]))
		}
		if diff := cmp.Diff([]string{"amd64", "s390x"}, store.updates[1][0].Arches); diff != "" {
			t.Errorf("unexpected stored arches: %s", diff)
		}
		if len(publisher.messages) != 1 {
			t.Fatalf("expected a state change message, got %d", len(publisher.messages))
		}
		if got := publisher.messages[0].request["state"]; got != "complete" {
			t.Errorf("expected the message to carry the new state, got %v", got)
		}
	})
}

func TestHealthcheck(t *testing.T) {
	server, store, _, _ := newTestServer(t)

	resp := doRequest(t, server, http.MethodGet, "/api/v1/healthcheck", "", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if got := decodeObject(t, resp.Body.String())["status"]; got != "Health check OK" {
		t.Errorf("unexpected status: %v", got)
	}

	store.pingErr = fmt.Errorf("connection refused")
	resp = doRequest(t, server, http.MethodGet, "/api/v1/healthcheck", "", "")
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}
