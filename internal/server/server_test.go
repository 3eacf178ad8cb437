package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"leadline/internal/config"
	"leadline/internal/controller"
	"leadline/internal/db"
	"leadline/internal/discovery"
	"leadline/internal/engine"
	"leadline/internal/health"
	"leadline/internal/migrate"
	"leadline/internal/outreach"
	"leadline/internal/quota"
	"leadline/internal/repo"
)

const (
	testSecret        = "test-secret"
	testWebhookSecret = "hook-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Ctrl   *controller.Controller
	Sender *outreach.RecordingSender
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Outreach.SendSpacing = 0
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctrl := controller.New(conn, cfg)
	sender := &outreach.RecordingSender{}
	sched := outreach.NewScheduler(e, quota.New(e.Repo, cfg), sender, cfg)
	monitor := health.New(e.Repo, e.Audit, cfg)
	provider := discovery.StubProvider{Candidates: []engine.Candidate{
		{BusinessName: "Café Brunet", Category: "cafe", Location: "Lyon", Confidence: "medium"},
		{BusinessName: "Garage Nord", Category: "garage", Location: "Lyon", Confidence: "low"},
	}}
	analyzer := discovery.StubAnalyzer{ByName: map[string]engine.Analysis{
		"Café Brunet": {Email: "contact@brunet.fr", Tag: "no_website", Confidence: "high"},
		"Garage Nord": {Tag: "outdated_site"},
	}}
	if err := e.Repo.EnsureAgentState(context.Background(), time.Now()); err != nil {
		t.Fatalf("seed agent state: %v", err)
	}
	handler, err := New(Config{
		Engine:     e,
		Controller: ctrl,
		Scheduler:  sched,
		Health:     monitor,
		Provider:   provider,
		Analyzer:   analyzer,
		BasePath:   "/v0",
		Auth:       AuthConfig{JWTSecret: testSecret, WebhookSecret: testWebhookSecret},
	})
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
		Engine: e,
		Ctrl:   ctrl,
		Sender: sender,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authHeaders(t *testing.T) map[string]string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "tester"}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

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

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/agent", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/system/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", res.StatusCode)
	}
}

func TestDiscoveryRunPopulatesLeads(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeaders(t)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agent/discovery", map[string]any{
		"query": "cafe", "location": "Lyon",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start discovery status %d: %s", res.StatusCode, string(data))
	}
	var status AgentStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.State != "discovering" || status.DiscoveryQuery != "cafe" {
		t.Fatalf("unexpected status: %+v", status)
	}
	srv.Ctrl.Wait()

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/leads?review_status=pending", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list leads status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedLeads
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal leads: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 pending leads, got %d: %s", len(page.Items), string(data))
	}
}

func TestStartDiscoveryValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agent/discovery", map[string]any{
		"query": "", "location": "Lyon",
	}, authHeaders(t))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRejectedAgentCommandConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeaders(t)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agent/pause", nil, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("pause while idle must 409, got %d: %s", res.StatusCode, string(data))
	}
	// the rejection is recorded
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/control-log", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("control log status %d", res.StatusCode)
	}
	var entries []map[string]any
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal control log: %v", err)
	}
	if len(entries) == 0 || entries[0]["result"] != "rejected" {
		t.Fatalf("expected rejected entry first: %s", string(data))
	}
}

func TestApproveWithoutEmailFails(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeaders(t)
	ctx := context.Background()

	// run discovery so Garage Nord (no email) reaches pending review
	if _, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agent/discovery", map[string]any{
		"query": "garage", "location": "Lyon",
	}, headers); data == nil {
		t.Fatal("no response")
	}
	srv.Ctrl.Wait()

	leads, err := srv.Engine.Repo.ListLeads(ctx, repo.LeadFilters{ReviewStatus: "pending", Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var noEmailID, withEmailID string
	for _, l := range leads {
		if l.Email == "" {
			noEmailID = l.ID
		} else {
			withEmailID = l.ID
		}
	}
	if noEmailID == "" || withEmailID == "" {
		t.Fatalf("expected one lead with and one without email: %+v", leads)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/leads/"+noEmailID+"/approve", nil, headers)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("approve without email must 422, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/leads/bulk/approve", map[string]any{
		"lead_ids": []string{withEmailID, noEmailID},
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bulk approve status %d: %s", res.StatusCode, string(data))
	}
	var results []engine.BulkResult
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("unmarshal results: %v", err)
	}
	if results[0].Status != "approved" || results[1].Status != "skipped" {
		t.Fatalf("unexpected bulk results: %+v", results)
	}
}

func TestReplyWebhookMarksLeadReplied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeaders(t)
	ctx := context.Background()

	l, err := srv.Engine.Ingest(ctx, engine.Candidate{BusinessName: "Webhooked", Location: "Lyon"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.StartAnalysis(ctx, l.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.CompleteAnalysis(ctx, l.ID, engine.Analysis{Email: "hook@example.com"}, "tester"); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/webhooks/replies", map[string]any{
		"from_email": "hook@example.com",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d: %s", res.StatusCode, string(data))
	}
	var lead LeadResponse
	if err := json.Unmarshal(data, &lead); err != nil {
		t.Fatalf("unmarshal lead: %v", err)
	}
	if lead.OutreachStatus != "replied" {
		t.Fatalf("expected replied, got %s", lead.OutreachStatus)
	}
	// unknown sender is a 404
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/webhooks/replies", map[string]any{
		"from_email": "stranger@example.com",
	}, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown sender must 404, got %d", res.StatusCode)
	}
}

func TestReplyWebhookAcceptsSharedSecret(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	l, err := srv.Engine.Ingest(ctx, engine.Candidate{BusinessName: "Provider Hook", Location: "Lyon"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.StartAnalysis(ctx, l.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.CompleteAnalysis(ctx, l.ID, engine.Analysis{Email: "provider@example.com"}, "tester"); err != nil {
		t.Fatal(err)
	}

	// the provider posts with the shared secret and no bearer token
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/webhooks/replies", map[string]any{
		"from_email": "provider@example.com",
	}, map[string]string{"X-Webhook-Secret": testWebhookSecret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d: %s", res.StatusCode, string(data))
	}
	var lead LeadResponse
	if err := json.Unmarshal(data, &lead); err != nil {
		t.Fatalf("unmarshal lead: %v", err)
	}
	if lead.OutreachStatus != "replied" {
		t.Fatalf("expected replied, got %s", lead.OutreachStatus)
	}

	// a wrong secret falls through to operator auth and is refused
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/webhooks/replies", map[string]any{
		"from_email": "provider@example.com",
	}, map[string]string{"X-Webhook-Secret": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad secret must 401, got %d", res.StatusCode)
	}
}

func TestOutreachRequiresReadyLeads(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agent/outreach", nil, authHeaders(t))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 with no ready leads, got %d: %s", res.StatusCode, string(data))
	}
}
