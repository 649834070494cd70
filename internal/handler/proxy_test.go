package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"binance-proxy-go/internal/client"
	"binance-proxy-go/internal/config"
	"binance-proxy-go/internal/metrics"
	"binance-proxy-go/internal/service"
)

// newTestProxyHandler points both upstreams at baseURL and skips the host allowlist.
func newTestProxyHandler(baseURL string, timeoutSeconds int, m *metrics.Metrics) *ProxyHandler {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			SpotBaseURL:     baseURL + "/",
			FuturesBaseURL:  baseURL + "/",
			FuturesPrefix:   "fapi",
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bc := client.NewBinanceClient(cfg, logger, m)
	svc := service.NewProxyServiceForTest(bc, cfg, logger)
	return NewProxyHandler(svc, logger, m)
}

func serve(t *testing.T, h *ProxyHandler, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestProxyHandler_Handle_Success(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want GET", r.Method)
		}
		if r.URL.Path != "/ticker/price" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/ticker/price")
		}
		if r.URL.RawQuery != "symbol=BTCUSDT" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "symbol=BTCUSDT")
		}
		w.Header().Set("Content-Type", "application/json;charset=UTF-8")
		w.Header().Set("X-Mbx-Used-Weight", "2")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"65000.00"}`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(upstream.URL, 10, nil)
	rec := serve(t, h, "/proxy?path=ticker/price&symbol=BTCUSDT")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := rec.Body.String(); got != `{"symbol":"BTCUSDT","price":"65000.00"}` {
		t.Errorf("body = %q, want upstream body verbatim", got)
	}
	if got, want := rec.Header().Get(HeaderFinalURL), upstream.URL+"/ticker/price?symbol=BTCUSDT"; got != want {
		t.Errorf("%s = %q, want %q", HeaderFinalURL, got, want)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json;charset=UTF-8" {
		t.Errorf("Content-Type = %q", got)
	}
	if rec.Header().Get("X-Mbx-Used-Weight") != "2" {
		t.Error("X-Mbx-Used-Weight should be relayed")
	}
}

func TestProxyHandler_Handle_FuturesNoParams(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/time" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/fapi/v1/time")
		}
		if r.URL.RawQuery != "" {
			t.Errorf("query = %q, want empty", r.URL.RawQuery)
		}
		// Suppress content sniffing so no Content-Type reaches the proxy.
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte(`{"serverTime":1}`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(upstream.URL, 10, nil)
	rec := serve(t, h, "/proxy?path=fapi/v1/time")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != echo.MIMETextPlainCharsetUTF8 {
		t.Errorf("Content-Type = %q, want text fallback", got)
	}
}

func TestProxyHandler_Handle_MissingPath(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`ok`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(upstream.URL, 10, nil)
	rec := serve(t, h, "/proxy")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotPath != "/" {
		t.Errorf("upstream path = %q, want %q", gotPath, "/")
	}
}

func TestProxyHandler_Handle_MalformedTarget(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	m := metrics.New()
	h := newTestProxyHandler(upstream.URL, 10, m)

	for _, target := range []string{
		"/proxy?path=api/v3/%25zz&symbol=BTCUSDT",
		"/proxy?path=api/v3/time%0A",
	} {
		t.Run(target, func(t *testing.T) {
			rec := serve(t, h, target)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if rec.Header().Get(HeaderFinalURL) != "" {
				t.Error("Final-URL must not be set when no target was built")
			}
			body := decodeBody(t, rec)
			if msg, _ := body["error"].(string); !strings.Contains(msg, "invalid parameters") {
				t.Errorf("error = %q, want parse diagnostic", msg)
			}
		})
	}

	if n := calls.Load(); n != 0 {
		t.Errorf("upstream called %d times, want 0", n)
	}
	assertErrorCount(t, m, "malformed_target", 2)
}

func TestProxyHandler_Handle_ForwardsUndecodableParams(t *testing.T) {
	var gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"serverTime":1}`))
	}))
	defer upstream.Close()

	m := metrics.New()
	h := newTestProxyHandler(upstream.URL, 10, m)
	rec := serve(t, h, "/proxy?path=api/v3/time&note=a;b&symbol=50%&bad=%zz")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if want := "note=a%3Bb&symbol=50%25&bad=%25zz"; gotQuery != want {
		t.Errorf("upstream query = %q, want %q", gotQuery, want)
	}
	if got := rec.Header().Get(HeaderFinalURL); !strings.HasSuffix(got, "?note=a%3Bb&symbol=50%25&bad=%25zz") {
		t.Errorf("Final-URL = %q, want re-encoded params", got)
	}
	assertErrorCount(t, m, "malformed_target", 0)
}

func TestProxyHandler_Handle_UpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer upstream.Close()

	m := metrics.New()
	h := newTestProxyHandler(upstream.URL, 10, m)
	rec := serve(t, h, "/proxy?path=api/v3/ticker/price&symbol=NOPE")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	body := decodeBody(t, rec)
	if msg, _ := body["error"].(string); !strings.Contains(msg, "404") {
		t.Errorf("error = %q, want mention of upstream status", msg)
	}
	if got, _ := body["upstream_status"].(float64); got != http.StatusNotFound {
		t.Errorf("upstream_status = %v, want %d", body["upstream_status"], http.StatusNotFound)
	}
	if got, _ := body["upstream_body"].(string); got != `{"code":-1121,"msg":"Invalid symbol."}` {
		t.Errorf("upstream_body = %q", got)
	}
	if rec.Header().Get(HeaderFinalURL) == "" {
		t.Error("Final-URL should be set once the target is built")
	}
	assertErrorCount(t, m, "upstream_status", 1)
}

func TestProxyHandler_Handle_TransportFailure(t *testing.T) {
	m := metrics.New()
	h := newTestProxyHandler("http://127.0.0.1:1", 1, m)
	rec := serve(t, h, "/proxy?path=api/v3/time")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got, want := rec.Header().Get(HeaderFinalURL), "http://127.0.0.1:1/api/v3/time"; got != want {
		t.Errorf("%s = %q, want %q", HeaderFinalURL, got, want)
	}
	body := decodeBody(t, rec)
	if msg, _ := body["error"].(string); !strings.Contains(msg, "error requesting upstream") {
		t.Errorf("error = %q, want transport diagnostic", msg)
	}
	assertErrorCount(t, m, "transport", 1)
}

func TestProxyHandler_Handle_Timeout(t *testing.T) {
	done := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-done:
		}
	}))
	defer upstream.Close()
	defer close(done)

	m := metrics.New()
	h := newTestProxyHandler(upstream.URL, 1, m)
	rec := serve(t, h, "/proxy?path=api/v3/time")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	body := decodeBody(t, rec)
	if msg, _ := body["error"].(string); !strings.Contains(msg, "timed out") {
		t.Errorf("error = %q, want timeout diagnostic", msg)
	}
	assertErrorCount(t, m, "timeout", 1)
}

func TestProxyHandler_Handle_ReadFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 64\r\n\r\n{\"partial\":")
		_ = buf.Flush()
	}))
	defer upstream.Close()

	h := newTestProxyHandler(upstream.URL, 10, nil)
	rec := serve(t, h, "/proxy?path=api/v3/time")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	body := decodeBody(t, rec)
	if msg, _ := body["error"].(string); !strings.Contains(msg, "failed to read response body") {
		t.Errorf("error = %q, want read diagnostic", msg)
	}
}

func TestProxyHandler_Handle_Concurrent(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 2 {
			close(release)
		}
		// Hold each call until both are in flight.
		<-release
		_, _ = fmt.Fprintf(w, `{"symbol":%q}`, r.URL.Query().Get("symbol"))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(upstream.URL, 10, nil)

	var wg sync.WaitGroup
	bodies := make([]string, 2)
	codes := make([]int, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/proxy?path=api/v3/ticker/price&symbol=BTCUSDT", http.NoBody)
			rec := httptest.NewRecorder()
			if err := h.Handle(e.NewContext(req, rec)); err != nil {
				t.Errorf("Handle() error = %v", err)
			}
			codes[i] = rec.Code
			bodies[i] = rec.Body.String()
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 2 {
		t.Errorf("upstream calls = %d, want 2", n)
	}
	for i := 0; i < 2; i++ {
		if codes[i] != http.StatusOK || bodies[i] != `{"symbol":"BTCUSDT"}` {
			t.Errorf("request %d: status=%d body=%q", i, codes[i], bodies[i])
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   string
		wantStatus int
	}{
		{"malformed", fmt.Errorf("%w: bad", service.ErrMalformedTarget), "malformed_target", http.StatusBadRequest},
		{"upstream status", &service.UpstreamStatusError{StatusCode: 429, Body: "slow down"}, "upstream_status", http.StatusInternalServerError},
		{"read body", fmt.Errorf("%w: unexpected EOF", service.ErrReadBody), "read_body", http.StatusInternalServerError},
		{"transport", fmt.Errorf("%w: connection refused", service.ErrTransport), "transport", http.StatusInternalServerError},
		{"unknown", errors.New("boom"), "transport", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, status, body := classify(tt.err)
			if kind != tt.wantKind || status != tt.wantStatus {
				t.Errorf("classify() = (%q, %d), want (%q, %d)", kind, status, tt.wantKind, tt.wantStatus)
			}
			if body["error"] == "" {
				t.Error("expected non-empty error message")
			}
		})
	}
}

func assertErrorCount(t *testing.T, m *metrics.Metrics, kind string, want float64) {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "binance_proxy_errors_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "kind" && lp.GetValue() == kind {
					if got := metric.GetCounter().GetValue(); got != want {
						t.Errorf("binance_proxy_errors_total{kind=%q} = %v, want %v", kind, got, want)
					}
					return
				}
			}
		}
	}
	if want != 0 {
		t.Errorf("binance_proxy_errors_total{kind=%q} not found", kind)
	}
}
