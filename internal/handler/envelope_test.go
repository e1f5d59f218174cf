package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func postEnvelope(relay *testRelay, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/proxy", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return relay.serve(req)
}

func TestEnvelope_Post(t *testing.T) {
	backend, _ := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.URL.Path != "/api/dm" {
			t.Errorf("path = %q, want /api/dm", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"to":"someone","text":"hi"}` {
			t.Errorf("body = %q", body)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sent":true}`))
	})
	relay := newTestRelay(t, testConfig(backend.URL))

	rec := postEnvelope(relay, `{"path":"/api/dm","payload":{"to":"someone","text":"hi"}}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if rec.Body.String() != `{"sent":true}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestEnvelope_PostDefaults(t *testing.T) {
	backend, _ := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(map[string]string{"method": r.Method, "body": string(body)})
	})
	relay := newTestRelay(t, testConfig(backend.URL))

	tests := []struct {
		name       string
		body       string
		wantMethod string
		wantBody   string
	}{
		{"method and payload omitted", `{"path":"/api/exit"}`, http.MethodPost, `{}`},
		{"null payload", `{"path":"/api/exit","payload":null}`, http.MethodPost, `{}`},
		{"lowercase method", `{"path":"/api/settings","method":"put","payload":{"a":1}}`, http.MethodPut, `{"a":1}`},
		{"GET carries no body", `{"path":"/api/status","method":"GET"}`, http.MethodGet, ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postEnvelope(relay, tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			var got map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
			}
			if got["method"] != tt.wantMethod {
				t.Errorf("backend method = %q, want %q", got["method"], tt.wantMethod)
			}
			if got["body"] != tt.wantBody {
				t.Errorf("backend body = %q, want %q", got["body"], tt.wantBody)
			}
		})
	}
}

func TestEnvelope_Get(t *testing.T) {
	backend, _ := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want GET", r.Method)
		}
		if r.URL.Path != "/characters/arcan-edge" || r.URL.Query().Get("full") != "1" {
			t.Errorf("backend URL = %q", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"name":"arcan-edge"}`))
	})
	relay := newTestRelay(t, testConfig(backend.URL))

	target := "/api/proxy?path=" + url.QueryEscape("/characters/arcan-edge?full=1")
	rec := relay.serve(httptest.NewRequest(http.MethodGet, target, http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != `{"name":"arcan-edge"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestEnvelope_Rejections(t *testing.T) {
	backend, hits := countingBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	relay := newTestRelay(t, testConfig(backend.URL))

	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
		wantError  string
	}{
		{
			"GET without path",
			httptest.NewRequest(http.MethodGet, "/api/proxy", http.NoBody),
			http.StatusBadRequest, "Path parameter required",
		},
		{
			"POST without path",
			httptest.NewRequest(http.MethodPost, "/api/proxy", strings.NewReader(`{"payload":{}}`)),
			http.StatusBadRequest, "Path parameter required",
		},
		{
			"malformed JSON",
			httptest.NewRequest(http.MethodPost, "/api/proxy", strings.NewReader(`{"path":`)),
			http.StatusBadRequest, "Invalid JSON body",
		},
		{
			"unsupported method",
			httptest.NewRequest(http.MethodPost, "/api/proxy", strings.NewReader(`{"path":"/api/status","method":"TRACE"}`)),
			http.StatusBadRequest, "Unsupported method",
		},
		{
			"absolute URL",
			httptest.NewRequest(http.MethodGet, "/api/proxy?path="+url.QueryEscape("http://elsewhere/api/status"), http.NoBody),
			http.StatusBadRequest, "Invalid path",
		},
		{
			"stream path",
			httptest.NewRequest(http.MethodGet, "/api/proxy?path=/logs/stream", http.NoBody),
			http.StatusBadRequest, "Streaming paths are served by the relay",
		},
		{
			"forbidden path",
			httptest.NewRequest(http.MethodPost, "/api/proxy", strings.NewReader(`{"path":"/api/unknown-endpoint"}`)),
			http.StatusForbidden, "Forbidden path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := relay.serve(tt.req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeError(t, rec); got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
		})
	}

	if hits.Load() != 0 {
		t.Errorf("backend hits = %d, want 0", hits.Load())
	}
}

func TestEnvelope_BackendUnreachable(t *testing.T) {
	relay := newTestRelay(t, testConfig(closedBackendURL()))

	rec := postEnvelope(relay, `{"path":"/api/status","method":"GET"}`)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got := decodeError(t, rec); got != "Proxy request failed" {
		t.Errorf("error = %q, want %q", got, "Proxy request failed")
	}
}

func TestEnvelope_ResponseSizeLimit(t *testing.T) {
	const limit = 16
	backend, _ := countingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/status":
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/api/characters":
			_, _ = w.Write([]byte(`[` + strings.Repeat(`"arcan",`, 64) + `"edge"]`))
		}
	})
	cfg := testConfig(backend.URL)
	cfg.Server.BodyMaxBytes = limit
	relay := newTestRelay(t, cfg)

	rec := relay.serve(httptest.NewRequest(http.MethodGet, "/api/proxy?path=/api/status", http.NoBody))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"ok":true}` {
		t.Errorf("small response: got %d %q", rec.Code, rec.Body.String())
	}

	rec = relay.serve(httptest.NewRequest(http.MethodGet, "/api/proxy?path=/api/characters", http.NoBody))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("oversized response: status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got := decodeError(t, rec); got != "Proxy request failed" {
		t.Errorf("error = %q, want %q", got, "Proxy request failed")
	}
}
