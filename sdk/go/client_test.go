package leadlinesdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuditLogDecodesDetailsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/logs" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":1,"ts":"2024-01-01T09:00:00Z","entity_type":"lead","entity_id":"l1",
			 "module":"outreach","action":"send","result":"success",
			 "details_json":"{\"to\":\"a@example.com\",\"attempt\":1}"},
			{"id":2,"ts":"2024-01-01T09:01:00Z","entity_type":"system",
			 "module":"agent","action":"heartbeat","result":"success"}
		]`))
	}))
	defer srv.Close()

	entries, err := New(srv.URL).AuditLog(context.Background(), 10)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	details, err := entries[0].DetailsMap()
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if details["to"] != "a@example.com" {
		t.Fatalf("unexpected details: %+v", details)
	}
	if d, err := entries[1].DetailsMap(); err != nil || d != nil {
		t.Fatalf("empty payload must decode to nil, got %+v (%v)", d, err)
	}
}
