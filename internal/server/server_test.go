package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"switchyard/internal/config"
	"switchyard/internal/db"
	"switchyard/internal/domain"
	"switchyard/internal/engine"
	"switchyard/internal/migrate"
	"switchyard/internal/repo"
)

type testServer struct {
	URL    string
	eng    engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	if err := e.EnsureWorkflow(context.Background()); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowActorHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		eng:    e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var actorHeaders = map[string]string{"X-Actor-Id": "tester"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not need auth, got %d", res.StatusCode)
	}
}

func TestItemLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"type":  "issue",
		"title": "login broken",
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created ItemResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if created.Code != "IS1" || created.Status != "new" {
		t.Fatalf("unexpected item %+v", created)
	}

	// an illegal jump is rejected with the error envelope
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/IS1/transitions", map[string]any{
		"to": "resolved",
	}, actorHeaders)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("unexpected error code %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/IS1/transitions", map[string]any{
		"to": "triaged",
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/IS1/history", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var recs []map[string]any
	if err := json.Unmarshal(data, &recs); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected create + transition records, got %d", len(recs))
	}
}

func TestTaskStartAndCompleteOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"type":  "feature",
		"title": "search",
		"plan":  `{"steps":["index"]}`,
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create feature %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"type":   "task",
		"title":  "index docs",
		"parent": "F1",
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/BT1/start", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start %d: %s", res.StatusCode, string(data))
	}
	var started engine.StartWorkResult
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal start: %v", err)
	}
	if started.Item.StartedAt == nil || started.Plan == nil {
		t.Fatalf("start context incomplete: %+v", started)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/BT1/complete", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete %d: %s", res.StatusCode, string(data))
	}
}

func TestLegacyAdvanceStatusOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"type":  "task",
		"title": "legacy task",
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/legacy/advance-status", map[string]any{
		"entity_type": "build_tasks",
		"entity_id":   "1",
		"new_status":  "in-progress",
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy advance %d: %s", res.StatusCode, string(data))
	}
	var result struct {
		NewStatus string `json:"new_status"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.NewStatus != "in_progress" {
		t.Fatalf("expected in_progress, got %q", result.NewStatus)
	}
}

func TestAPIKeyAuthOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	secret := "test-key-secret"
	err := srv.eng.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:      "key-1",
		ActorID: "ci-bot",
		KeyHash: repo.HashAPIKey(secret),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"type":  "issue",
		"title": "from ci",
	}, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with api key %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/IS1/history", nil, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history %d: %s", res.StatusCode, string(data))
	}
	var recs []map[string]any
	if err := json.Unmarshal(data, &recs); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(recs) != 1 || recs[0]["actor_id"] != "ci-bot" {
		t.Fatalf("expected one record attributed to ci-bot, got %v", recs)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items", nil, map[string]string{"X-Api-Key": "wrong-secret"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key should be rejected, got %d", res.StatusCode)
	}
}

func TestOpenAPISpecConcurrentFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				errs <- err
				return
			}
			defer res.Body.Close()
			data, err := io.ReadAll(res.Body)
			if err != nil {
				errs <- err
				return
			}
			if res.StatusCode != http.StatusOK || len(data) == 0 {
				errs <- fmt.Errorf("spec fetch: status %d, %d bytes", res.StatusCode, len(data))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestListTransitionsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"type":  "task",
		"title": "one",
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/BT1/transitions", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transitions %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Item        ItemResponse               `json:"item"`
		Transitions []TransitionOptionResponse `json:"transitions"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	targets := map[string]bool{}
	for _, tr := range body.Transitions {
		targets[tr.To] = true
	}
	if !targets["in_progress"] || !targets["cancelled"] {
		t.Fatalf("unexpected transition targets %v", targets)
	}
}
