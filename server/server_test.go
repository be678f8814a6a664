package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/clue/health"

	"github.com/exospherehost/state-manager/graph"
	graphmem "github.com/exospherehost/state-manager/graph/memory"
	"github.com/exospherehost/state-manager/manager"
	nodemem "github.com/exospherehost/state-manager/noderegistry/memory"
	runsmem "github.com/exospherehost/state-manager/runs/memory"
	"github.com/exospherehost/state-manager/secrets"
	"github.com/exospherehost/state-manager/state"
	statemem "github.com/exospherehost/state-manager/state/memory"
	triggersmem "github.com/exospherehost/state-manager/triggers/memory"
)

const (
	testAPIKey    = "test-key"
	testNamespace = "acme"
)

func nsPath(suffix string) string {
	return "/v0/namespace/" + testNamespace + suffix
}

type testServer struct {
	svc     *manager.Service
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	enc, err := secrets.New(key)
	require.NoError(t, err)
	svc, err := manager.New(manager.Options{
		Graphs:            graphmem.New(),
		Nodes:             nodemem.New(),
		States:            statemem.New(),
		Runs:              runsmem.New(),
		Triggers:          triggersmem.New(),
		Encrypter:         enc,
		ValidWaitInterval: 10 * time.Millisecond,
		ValidWaitTimeout:  2 * time.Second,
	})
	require.NoError(t, err)
	srv, err := New(Options{Service: svc, APIKey: testAPIKey})
	require.NoError(t, err)
	return &testServer{svc: svc, handler: srv.Handler()}
}

// do sends an authenticated JSON request through the router.
func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(APIKeyHeader, testAPIKey)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func schema(fields ...string) map[string]any {
	props := make(map[string]any, len(fields))
	for _, f := range fields {
		props[f] = map[string]any{"type": "string"}
	}
	return map[string]any{"type": "object", "properties": props}
}

// setupSingleNode registers the worker node and upserts a one-node graph.
func (ts *testServer) setupSingleNode(t *testing.T, graphName string, secretValues map[string]string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, nsPath("/nodes/"), manager.RegisterNodesRequest{
		RuntimeName: "rt",
		Nodes: []manager.NodeRegistration{{
			Name:          "worker",
			InputsSchema:  schema("msg"),
			OutputsSchema: schema("out"),
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPut, nsPath("/graph/"+graphName), manager.UpsertGraphRequest{
		Nodes: []graph.NodeTemplate{{
			NodeName:   "worker",
			Namespace:  testNamespace,
			Identifier: "W",
			Inputs:     map[string]string{"msg": "hi"},
		}},
		Secrets: secretValues,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	ts.svc.Wait()
}

func (ts *testServer) trigger(t *testing.T, graphName string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, nsPath("/graph/"+graphName+"/trigger"), manager.TriggerRequest{})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var result manager.TriggerResult
	decodeJSON(t, rec, &result)
	require.NotEmpty(t, result.RunID)
	return result.RunID
}

func (ts *testServer) claimOne(t *testing.T, node string) *state.State {
	t.Helper()
	rec := ts.do(t, http.MethodPost, nsPath("/states/enqueue"), manager.EnqueueRequest{
		Nodes: []string{node}, BatchSize: 10,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var claimed []*state.State
	decodeJSON(t, rec, &claimed)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestHealthAndRequestID(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	var body map[string]string
	decodeJSON(t, rec, &body)
	require.Equal(t, "OK", body["message"])

	// A provided request id is echoed back.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
}

type downPinger struct{}

func (downPinger) Name() string { return "mongodb" }

func (downPinger) Ping(context.Context) error { return fmt.Errorf("connection refused") }

func TestHealthReportsDatabaseDown(t *testing.T) {
	ts := newTestServer(t)
	down, err := New(Options{
		Service: ts.svc,
		APIKey:  testAPIKey,
		Health:  []health.Pinger{downPinger{}},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	decodeJSON(t, rec, &body)
	require.Equal(t, "database unavailable", body["message"])
}

func TestAPIKeyGuardsEveryRoute(t *testing.T) {
	ts := newTestServer(t)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/v0/namespaces"},
		{http.MethodGet, nsPath("/nodes/")},
		{http.MethodGet, nsPath("/graphs/")},
		{http.MethodPost, nsPath("/states/enqueue")},
		{http.MethodGet, nsPath("/runs/1/10")},
	}
	for _, route := range routes {
		req := httptest.NewRequest(route.method, route.path, nil)
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, route.path)

		req = httptest.NewRequest(route.method, route.path, nil)
		req.Header.Set(APIKeyHeader, "wrong")
		rec = httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, route.path)
	}

	// The health probe stays open.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkflowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, nsPath("/nodes/"), manager.RegisterNodesRequest{
		RuntimeName: "rt",
		Nodes: []manager.NodeRegistration{
			{Name: "extract", InputsSchema: schema("path"), OutputsSchema: schema("record")},
			{Name: "load", InputsSchema: schema("record"), OutputsSchema: schema()},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPut, nsPath("/graph/etl"), manager.UpsertGraphRequest{
		Nodes: []graph.NodeTemplate{
			{
				NodeName:   "extract",
				Namespace:  testNamespace,
				Identifier: "E",
				Inputs:     map[string]string{"path": "/in"},
				NextNodes:  []string{"L"},
			},
			{
				NodeName:   "load",
				Namespace:  testNamespace,
				Identifier: "L",
				Inputs:     map[string]string{"record": "${{ E.outputs.record }}"},
			},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	ts.svc.Wait()

	var view manager.GraphView
	rec = ts.do(t, http.MethodGet, nsPath("/graph/etl"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &view)
	require.Equal(t, graph.ValidationValid, view.ValidationStatus)

	runID := ts.trigger(t, "etl")

	first := ts.claimOne(t, "extract")
	require.Equal(t, "/in", first.Inputs["path"])
	rec = ts.do(t, http.MethodPost, nsPath("/states/"+first.ID+"/executed"), map[string]any{
		"outputs": []map[string]any{{"record": "r1"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	ts.svc.Wait()

	// The successor carries the rendered output.
	second := ts.claimOne(t, "load")
	require.Equal(t, "r1", second.Inputs["record"])

	rec = ts.do(t, http.MethodGet, nsPath("/runs/"+runID+"/states"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var states []*state.State
	decodeJSON(t, rec, &states)
	require.Len(t, states, 2)

	rec = ts.do(t, http.MethodGet, nsPath("/runs/"+runID+"/nodes/"+first.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail state.State
	decodeJSON(t, rec, &detail)
	require.Equal(t, state.Success, detail.Status)

	rec = ts.do(t, http.MethodGet, nsPath("/runs/"+runID+"/graph"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var structure manager.RunStructure
	decodeJSON(t, rec, &structure)
	require.Equal(t, "etl", structure.GraphName)
	require.Equal(t, 2, structure.NodeCount)
	require.Equal(t, 1, structure.EdgeCount)
	require.Len(t, structure.RootStates, 1)

	// The pagination route coexists with the run-scoped ones.
	rec = ts.do(t, http.MethodGet, nsPath("/runs/1/10"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page manager.RunsPage
	decodeJSON(t, rec, &page)
	require.EqualValues(t, 1, page.Total)
	require.Len(t, page.Runs, 1)
	require.Equal(t, runID, page.Runs[0].RunID)
}

func TestStateSignalEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.setupSingleNode(t, "jobs", map[string]string{"token": "hunter2"})

	// Prune a claimed state and replay the signal.
	ts.trigger(t, "jobs")
	claimed := ts.claimOne(t, "worker")
	rec := ts.do(t, http.MethodPost, nsPath("/states/"+claimed.ID+"/prune"), map[string]any{
		"data": map[string]any{"reason": "skip"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var pruneResp struct {
		Status       state.Status `json:"status"`
		EnqueueAfter int64        `json:"enqueue_after"`
	}
	decodeJSON(t, rec, &pruneResp)
	require.Equal(t, state.Pruned, pruneResp.Status)

	rec = ts.do(t, http.MethodPost, nsPath("/states/"+claimed.ID+"/prune"), map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Re-enqueue pushes the claim time forward; zero delay is rejected.
	ts.trigger(t, "jobs")
	claimed = ts.claimOne(t, "worker")
	rec = ts.do(t, http.MethodPost, nsPath("/states/"+claimed.ID+"/re-enqueue-after"), map[string]any{
		"enqueue_after": 60_000,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var requeueResp struct {
		Status       state.Status `json:"status"`
		EnqueueAfter int64        `json:"enqueue_after"`
	}
	decodeJSON(t, rec, &requeueResp)
	require.Equal(t, state.Created, requeueResp.Status)
	require.Greater(t, requeueResp.EnqueueAfter, time.Now().UnixMilli())

	rec = ts.do(t, http.MethodPost, nsPath("/states/"+claimed.ID+"/re-enqueue-after"), map[string]any{
		"enqueue_after": 0,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Secrets come back decrypted, but only within the owning namespace.
	rec = ts.do(t, http.MethodGet, nsPath("/states/"+claimed.ID+"/secrets"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var secretsResp struct {
		Secrets map[string]string `json:"secrets"`
	}
	decodeJSON(t, rec, &secretsResp)
	require.Equal(t, map[string]string{"token": "hunter2"}, secretsResp.Secrets)

	rec = ts.do(t, http.MethodGet, "/v0/namespace/other/states/"+claimed.ID+"/secrets", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Manual retry conflicts on a reused fanout id.
	ts.trigger(t, "jobs")
	third := ts.claimOne(t, "worker")
	rec = ts.do(t, http.MethodPost, nsPath("/states/"+third.ID+"/manual-retry"), map[string]any{
		"fanout_id": "again",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, nsPath("/states/"+third.ID+"/manual-retry"), map[string]any{
		"fanout_id": "again",
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	// The retry sibling is claimable and can report failure.
	sibling := ts.claimOne(t, "worker")
	rec = ts.do(t, http.MethodPost, nsPath("/states/"+sibling.ID+"/errored"), map[string]any{
		"error": "boom",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var erroredResp struct {
		Status       state.Status `json:"status"`
		RetryCreated bool         `json:"retry_created"`
	}
	decodeJSON(t, rec, &erroredResp)
	require.Equal(t, state.Errored, erroredResp.Status)
	require.True(t, erroredResp.RetryCreated)
}

func TestCatalogAndTriggerCancellation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, nsPath("/nodes/"), manager.RegisterNodesRequest{
		RuntimeName: "rt",
		Nodes: []manager.NodeRegistration{{
			Name:          "worker",
			InputsSchema:  schema("msg"),
			OutputsSchema: schema("out"),
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPut, nsPath("/graph/nightly"), manager.UpsertGraphRequest{
		Nodes: []graph.NodeTemplate{{
			NodeName:   "worker",
			Namespace:  testNamespace,
			Identifier: "W",
			Inputs:     map[string]string{"msg": "hi"},
		}},
		Triggers: []graph.Trigger{{
			Type:       graph.TriggerTypeCron,
			Expression: "0 2 * * *",
			Timezone:   "UTC",
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	ts.svc.Wait()

	rec = ts.do(t, http.MethodGet, nsPath("/nodes/"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes manager.NodesList
	decodeJSON(t, rec, &nodes)
	require.Equal(t, 1, nodes.Count)
	require.Equal(t, "worker", nodes.Nodes[0].Name)

	rec = ts.do(t, http.MethodGet, nsPath("/graphs/"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var graphs manager.GraphsList
	decodeJSON(t, rec, &graphs)
	require.Equal(t, 1, graphs.Count)
	require.Equal(t, "nightly", graphs.Graphs[0].Name)

	rec = ts.do(t, http.MethodGet, "/v0/namespaces", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var namespaces manager.NamespacesList
	decodeJSON(t, rec, &namespaces)
	require.Equal(t, []string{testNamespace}, namespaces.Namespaces)

	rec = ts.do(t, http.MethodPost, nsPath("/graph/nightly/triggers/cancel"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancel manager.CancelTriggersResult
	decodeJSON(t, rec, &cancel)
	require.EqualValues(t, 1, cancel.CancelledCount)
	require.Equal(t, "Successfully cancelled 1 trigger(s)", cancel.Message)

	rec = ts.do(t, http.MethodPost, nsPath("/graph/nightly/triggers/cancel"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &cancel)
	require.Zero(t, cancel.CancelledCount)
	require.Equal(t, "No pending triggers found to cancel", cancel.Message)
}

func TestErrorResponses(t *testing.T) {
	ts := newTestServer(t)
	ts.setupSingleNode(t, "jobs", nil)

	// Unknown ids map to 404 with the code in the body.
	rec := ts.do(t, http.MethodPost, nsPath("/states/missing/executed"), map[string]any{
		"outputs": []map[string]any{},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	decodeJSON(t, rec, &body)
	require.Equal(t, "NOT_FOUND", body["code"])

	rec = ts.do(t, http.MethodPost, nsPath("/graph/ghost/trigger"), manager.TriggerRequest{})
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Malformed JSON is rejected before it reaches the service.
	req := httptest.NewRequest(http.MethodPost, nsPath("/states/enqueue"), strings.NewReader("{"))
	req.Header.Set(APIKeyHeader, testAPIKey)
	malformed := httptest.NewRecorder()
	ts.handler.ServeHTTP(malformed, req)
	require.Equal(t, http.StatusBadRequest, malformed.Code)

	// Page coordinates must be integers.
	rec = ts.do(t, http.MethodGet, nsPath("/runs/one/10"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	decodeJSON(t, rec, &body)
	require.Equal(t, "INVALID_INPUT", body["code"])
}
