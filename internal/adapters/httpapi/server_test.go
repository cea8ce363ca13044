package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"custodychain/internal/adapters/exports"
	"custodychain/internal/blob"
	"custodychain/internal/core"
	"custodychain/internal/infra/persistence/memory"
	"custodychain/internal/ledger"
	memledger "custodychain/internal/ledger/memory"
	"custodychain/pkg/domain"
)

type apiFixture struct {
	chain  *memledger.Ledger
	server *httptest.Server
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	chain := memledger.New("", memledger.WithSignerRoles(domain.Roles()...))
	gw := ledger.NewGateway(chain)
	t.Cleanup(gw.Close)

	reg := prometheus.NewRegistry()
	prom, err := core.NewPrometheusRecorder(reg)
	if err != nil {
		t.Fatalf("prometheus: %v", err)
	}
	svc := core.NewService(gw, memory.NewStore(core.NewDefaultRulesEngine()), core.WithMetricsRecorder(prom))
	worker := exports.NewWorker(svc, blob.NewMemory(), exports.WithMetrics(prom))
	worker.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = worker.Stop(ctx)
	})

	api := New(svc, WithExports(worker), WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return &apiFixture{chain: chain, server: srv}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, r)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return resp, out
}

func (f *apiFixture) expect(t *testing.T, method, path, body string, status int) map[string]any {
	t.Helper()
	resp, out := f.do(t, method, path, body)
	if resp.StatusCode != status {
		t.Fatalf("%s %s: expected %d, got %d %v", method, path, status, resp.StatusCode, out)
	}
	return out
}

func (f *apiFixture) seed(t *testing.T, packets int) []string {
	t.Helper()
	f.expect(t, http.MethodPost, "/api/harvests", `{"farmer_id":"F1","product_name":"turmeric","batch_id":"B001","quantity_gm":1000}`, http.StatusCreated)
	if packets == 0 {
		return nil
	}
	out := f.expect(t, http.MethodPost, "/api/batches/B001/packets", `{"packet_size_gm":100,"count":`+itoa(packets)+`}`, http.StatusCreated)
	return strs(out["packet_ids"])
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func strs(v any) []string {
	list, _ := v.([]any)
	out := make([]string, len(list))
	for i, s := range list {
		out[i], _ = s.(string)
	}
	return out
}

func TestBatchScenarioOverHTTP(t *testing.T) {
	f := newAPI(t)
	f.seed(t, 0)

	info := f.expect(t, http.MethodGet, "/api/batches/B001?size_gm=100", "", http.StatusOK)
	if info["available_gm"] != float64(920) || info["max_packets"] != float64(9) || info["remaining_gm"] != float64(920) {
		t.Fatalf("unexpected batch info %v", info)
	}

	created := f.expect(t, http.MethodPost, "/api/batches/B001/packets", `{"packet_size_gm":100,"count":5}`, http.StatusCreated)
	ids := strs(created["packet_ids"])
	if len(ids) != 5 || ids[0] != "F1-B001-100g-001" || ids[4] != "F1-B001-100g-005" {
		t.Fatalf("unexpected ids %v", ids)
	}

	list := f.expect(t, http.MethodGet, "/api/batches/B001/packets?stage=processing", "", http.StatusOK)
	if list["count"] != float64(5) {
		t.Fatalf("expected 5 at processing, got %v", list)
	}

	moved := f.expect(t, http.MethodPost, "/api/stages/distributor/receive", `{"batch_id":"B001","farmer_id":"F1","count":5,"fields":{"actor_id":"D1"}}`, http.StatusOK)
	if len(strs(moved["packet_ids"])) != 5 {
		t.Fatalf("unexpected receive result %v", moved)
	}

	short := f.expect(t, http.MethodPost, "/api/stages/distributor/receive", `{"batch_id":"B001","count":1}`, http.StatusBadRequest)
	if short["error"] != "Only 0 packet(s) available at processing. Requested: 1." || short["field"] != "count" {
		t.Fatalf("unexpected shortfall body %v", short)
	}

	verdict := f.expect(t, http.MethodGet, "/api/packets/"+ids[0]+"/validate?stage=supplier", "", http.StatusOK)
	if verdict["valid"] != true {
		t.Fatalf("expected valid verdict, got %v", verdict)
	}
	journey := f.expect(t, http.MethodGet, "/api/packets/"+ids[0]+"/journey", "", http.StatusOK)
	if stages, _ := journey["stages"].([]any); len(stages) != 1 {
		t.Fatalf("unexpected journey %v", journey)
	}

	farmers := f.expect(t, http.MethodGet, "/api/farmers", "", http.StatusOK)
	if got := strs(farmers["farmers"]); len(got) != 1 || got[0] != "F1" {
		t.Fatalf("unexpected farmers %v", farmers)
	}
	batches := f.expect(t, http.MethodGet, "/api/farmers/F1/batches", "", http.StatusOK)
	if got := strs(batches["batches"]); len(got) != 1 || got[0] != "B001" {
		t.Fatalf("unexpected batches %v", batches)
	}

	stats := f.expect(t, http.MethodGet, "/api/stats", "", http.StatusOK)
	if stats["total_packets"] != float64(5) {
		t.Fatalf("unexpected stats %v", stats)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newAPI(t)
	ids := f.seed(t, 3)

	f.expect(t, http.MethodGet, "/api/packets/nope/journey", "", http.StatusNotFound)
	f.expect(t, http.MethodGet, "/api/batches/B404", "", http.StatusNotFound)
	f.expect(t, http.MethodGet, "/api/batches/B001/packets?stage=warehouse", "", http.StatusBadRequest)
	f.expect(t, http.MethodGet, "/api/batches/B001?size_gm=abc", "", http.StatusBadRequest)
	f.expect(t, http.MethodPost, "/api/harvests", `{"farmer_id":`, http.StatusBadRequest)
	f.expect(t, http.MethodGet, "/api/unknown", "", http.StatusNotFound)

	skip := f.expect(t, http.MethodPost, "/api/packets/"+ids[0]+"/stages/shopkeeper", `{}`, http.StatusBadRequest)
	if !strings.Contains(skip["error"].(string), "distributor") && !strings.Contains(skip["error"].(string), "processing") {
		t.Fatalf("expected stage mismatch message, got %v", skip)
	}

	f.chain.InjectFault(memledger.Fault{Method: ledger.MethodAddDistributor, Kind: memledger.FaultRevert, Reason: "Distributor box mismatch"})
	rej := f.expect(t, http.MethodPost, "/api/packets/"+ids[0]+"/stages/distributor", `{"actor_id":"D1"}`, http.StatusUnprocessableEntity)
	if rej["error"] != "Distributor box mismatch" || rej["method"] != ledger.MethodAddDistributor {
		t.Fatalf("unexpected rejection body %v", rej)
	}

	f.chain.InjectFault(memledger.Fault{Method: ledger.MethodAddDistributor, Kind: memledger.FaultRevert, Reason: "Distributor box mismatch"})
	partial := f.expect(t, http.MethodPost, "/api/batches/B001/transitions", `{"from":"processing","to":"distributor","count":2}`, http.StatusConflict)
	if partial["failed_packet"] != ids[0] || partial["reason"] != "Distributor box mismatch" {
		t.Fatalf("unexpected partial body %v", partial)
	}
	if got, ok := partial["transitioned"].([]any); !ok || len(got) != 0 {
		t.Fatalf("transitioned must be present and empty, got %v", partial["transitioned"])
	}

	f.chain.InjectFault(memledger.Fault{Kind: memledger.FaultDrop})
	f.expect(t, http.MethodPost, "/api/harvests", `{"farmer_id":"F2","product_name":"turmeric","batch_id":"B002","quantity_gm":500}`, http.StatusServiceUnavailable)
}

func TestRolesOverHTTP(t *testing.T) {
	f := newAPI(t)
	const account = "0x00000000000000000000000000000000000000b2"
	f.expect(t, http.MethodPost, "/api/roles/grant", `{"role":"distributor","account":"`+account+`"}`, http.StatusOK)
	has := f.expect(t, http.MethodGet, "/api/roles/has?role=DISTRIBUTOR_ROLE&account="+account, "", http.StatusOK)
	if has["has_role"] != true {
		t.Fatalf("expected role, got %v", has)
	}
	f.expect(t, http.MethodPost, "/api/roles/revoke", `{"role":"distributor","account":"`+account+`"}`, http.StatusOK)
	has = f.expect(t, http.MethodGet, "/api/roles/has?role=distributor&account="+account, "", http.StatusOK)
	if has["has_role"] != false {
		t.Fatalf("expected no role, got %v", has)
	}
	f.expect(t, http.MethodPost, "/api/roles/grant", `{"role":"auditor","account":"`+account+`"}`, http.StatusBadRequest)
}

func TestAdminRoutes(t *testing.T) {
	f := newAPI(t)
	f.seed(t, 0)
	f.chain.AdvanceNonce(3)
	nonce := f.expect(t, http.MethodPost, "/api/admin/nonce/sync", "", http.StatusOK)
	if nonce["nonce"] != float64(4) {
		t.Fatalf("unexpected nonce %v", nonce)
	}
	stats := f.expect(t, http.MethodPost, "/api/admin/index/rebuild", "", http.StatusOK)
	if stats["added"] != float64(1) {
		t.Fatalf("unexpected rebuild stats %v", stats)
	}
	f.expect(t, http.MethodPost, "/api/admin/index/refresh", "", http.StatusOK)
}

func TestExportLifecycle(t *testing.T) {
	f := newAPI(t)
	f.seed(t, 2)

	queued := f.expect(t, http.MethodPost, "/api/exports", `{"batch_id":"B001","formats":["csv"],"requested_by":"ops"}`, http.StatusAccepted)
	id, _ := queued["id"].(string)
	if id == "" || queued["status"] != string(exports.StatusQueued) {
		t.Fatalf("unexpected queued export %v", queued)
	}

	deadline := time.Now().Add(5 * time.Second)
	var rec map[string]any
	for time.Now().Before(deadline) {
		rec = f.expect(t, http.MethodGet, "/api/exports/"+id, "", http.StatusOK)
		if rec["status"] == string(exports.StatusSucceeded) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec["status"] != string(exports.StatusSucceeded) {
		t.Fatalf("export did not succeed: %v", rec)
	}

	resp, err := http.Get(f.server.URL + "/api/exports/" + id + "/artifacts/csv")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/csv" {
		t.Fatalf("unexpected download %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !strings.HasPrefix(string(body), "packet_id,") || strings.Count(string(body), "\n") != 3 {
		t.Fatalf("unexpected csv %q", body)
	}

	f.expect(t, http.MethodGet, "/api/exports/"+id+"/artifacts/xlsx", "", http.StatusNotFound)
	f.expect(t, http.MethodGet, "/api/exports/missing", "", http.StatusNotFound)
	f.expect(t, http.MethodPost, "/api/exports", `{"batch_id":"B001","formats":["pdf"]}`, http.StatusBadRequest)
}

func TestHealthMetricsAndRequestID(t *testing.T) {
	f := newAPI(t)
	f.seed(t, 0)
	resp, out := f.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("unexpected health %d %v", resp.StatusCode, out)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected a generated request id")
	}

	mresp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer mresp.Body.Close()
	body, _ := io.ReadAll(mresp.Body)
	if !strings.Contains(string(body), `custody_operations_total{operation="record_harvest",status="success"} 1`) {
		t.Fatalf("expected harvest counter in metrics output:\n%s", body)
	}
}
