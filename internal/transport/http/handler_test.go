package httptransport_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"readings-service/internal/entity"
	"readings-service/internal/fingerprint"
	"readings-service/internal/repository/memory"
	"readings-service/internal/service"
	"readings-service/internal/shepherd"
	httptransport "readings-service/internal/transport/http"
)

// ---- fakes ----

type runnerStub struct {
	calls int
	rep   shepherd.Report
}

func (r *runnerStub) Run(ctx context.Context, now time.Time) (shepherd.Report, error) {
	r.calls++
	return r.rep, nil
}

// ---- helpers ----

var fpA = strings.Repeat("ab", 32)

func newTestRouter(t *testing.T, store *memory.Store, runner httptransport.ShepherdRunner, adminHash string) http.Handler {
	t.Helper()
	svc := service.NewJobService(store, nil)
	h := httptransport.NewHandler(svc, runner, adminHash, nil)
	return httptransport.Routes(h, nil)
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid json response: %v, body=%s", err, rr.Body.String())
	}
}

// ---- tests ----

func TestHTTP_CreateJob_201_ThenIdempotent200(t *testing.T) {
	router := newTestRouter(t, memory.New(), nil, "")

	body := `{"id":"job-1","input_ref":"file://meters/1.jpg","fingerprint":"` + fpA + `"}`
	rr := do(t, router, http.MethodPost, "/jobs", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var got map[string]any
	decode(t, rr, &got)
	if got["id"] != "job-1" || got["status"] != "queued" {
		t.Fatalf("unexpected job: %v", got)
	}

	rr = do(t, router, http.MethodPost, "/jobs", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on re-submission, got %d, body=%s", rr.Code, rr.Body.String())
	}

	conflicting := `{"id":"job-1","input_ref":"file://meters/2.jpg","fingerprint":"` + fpA + `"}`
	rr = do(t, router, http.MethodPost, "/jobs", conflicting)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHTTP_CreateJob_InlinePayloadComputesFingerprint(t *testing.T) {
	router := newTestRouter(t, memory.New(), nil, "")

	img := []byte("fake-jpeg-bytes")
	body := `{"id":"job-2","payload":"` + base64.StdEncoding.EncodeToString(img) + `"}`
	rr := do(t, router, http.MethodPost, "/jobs", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var got map[string]any
	decode(t, rr, &got)
	if got["fingerprint"] != fingerprint.Compute(img) {
		t.Fatalf("expected computed fingerprint, got %v", got["fingerprint"])
	}
	if _, leaked := got["payload"]; leaked {
		t.Fatalf("payload must not be echoed")
	}
}

func TestHTTP_CreateJob_400(t *testing.T) {
	router := newTestRouter(t, memory.New(), nil, "")

	cases := map[string]string{
		"bad json":        `{`,
		"no input":        `{"id":"x"}`,
		"no fingerprint":  `{"id":"x","input_ref":"file://a.jpg"}`,
		"bad fingerprint": `{"id":"x","input_ref":"file://a.jpg","fingerprint":"nothex"}`,
	}
	for name, body := range cases {
		rr := do(t, router, http.MethodPost, "/jobs", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d, body=%s", name, rr.Code, rr.Body.String())
		}
	}
}

func TestHTTP_CreateJob_DuplicateBornCompleted(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	ref, err := store.SaveResult(context.Background(), &entity.Result{
		ID: "res-1", Fingerprint: fpA, Fields: json.RawMessage(`{"device_id":"m-1"}`), CreatedAt: now, UpdatedAt: now,
	}, true)
	if err != nil {
		t.Fatalf("seed result: %v", err)
	}
	router := newTestRouter(t, store, nil, "")

	rr := do(t, router, http.MethodPost, "/jobs", `{"id":"job-3","input_ref":"s3://x","fingerprint":"`+fpA+`"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var got map[string]any
	decode(t, rr, &got)
	if got["status"] != "completed" || got["result_ref"] != ref || got["duplicate"] != true {
		t.Fatalf("expected born-completed duplicate of %s, got %v", ref, got)
	}

	rr = do(t, router, http.MethodGet, "/results/"+ref, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var res entity.Result
	decode(t, rr, &res)
	if res.Fingerprint != fpA {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHTTP_GetJob_404(t *testing.T) {
	router := newTestRouter(t, memory.New(), nil, "")

	rr := do(t, router, http.MethodGet, "/jobs/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var e map[string]string
	decode(t, rr, &e)
	if e["code"] != "not_found" {
		t.Fatalf("expected code=not_found, got %v", e)
	}

	rr = do(t, router, http.MethodGet, "/results/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHTTP_JobStatus(t *testing.T) {
	store := memory.New()
	router := newTestRouter(t, store, nil, "")

	do(t, router, http.MethodPost, "/jobs", `{"id":"a","input_ref":"file://a.jpg","fingerprint":"`+fpA+`"}`)
	if err := store.AppendEvent(context.Background(), entity.ProgressEvent{
		JobID: "purged", Status: entity.StatusCompleted, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	rr := do(t, router, http.MethodGet, "/jobs/status?ids=a,purged,ghost", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var got []service.JobStatus
	decode(t, rr, &got)
	if len(got) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(got))
	}
	want := []string{"queued", "completed", service.StatusNotFound}
	for i, w := range want {
		if got[i].Status != w {
			t.Fatalf("status[%d]: expected %s, got %s", i, w, got[i].Status)
		}
	}

	rr = do(t, router, http.MethodGet, "/jobs/status", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without ids, got %d", rr.Code)
	}
}

func TestHTTP_JobStatus_CapsIDs(t *testing.T) {
	router := newTestRouter(t, memory.New(), nil, "")

	ids := make([]string, service.MaxStatusIDs)
	for i := range ids {
		ids[i] = fmt.Sprintf("job-%d", i)
	}
	rr := do(t, router, http.MethodGet, "/jobs/status?ids="+strings.Join(ids, ","), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 at the cap, got %d", rr.Code)
	}

	ids = append(ids, "one-too-many")
	rr = do(t, router, http.MethodGet, "/jobs/status?ids="+strings.Join(ids, ","), "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 over the cap, got %d", rr.Code)
	}
}

func TestHTTP_CheckFingerprints(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	fpB := strings.Repeat("cd", 32)
	if _, err := store.SaveResult(context.Background(), &entity.Result{ID: "r1", Fingerprint: fpA, CreatedAt: now, UpdatedAt: now}, true); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.SaveResult(context.Background(), &entity.Result{ID: "r2", Fingerprint: fpB, CreatedAt: now, UpdatedAt: now}, false); err != nil {
		t.Fatalf("seed: %v", err)
	}
	router := newTestRouter(t, store, nil, "")

	fpC := strings.Repeat("ef", 32)
	rr := do(t, router, http.MethodPost, "/fingerprints/check", `{"fingerprints":["`+fpA+`","`+fpB+`","`+fpC+`"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var part fingerprint.Partition
	decode(t, rr, &part)
	if len(part.Duplicates) != 1 || part.Duplicates[0] != fpA {
		t.Fatalf("duplicates: %v", part.Duplicates)
	}
	if len(part.Upgrades) != 1 || part.Upgrades[0] != fpB {
		t.Fatalf("upgrades: %v", part.Upgrades)
	}
	if len(part.Unseen) != 1 || part.Unseen[0] != fpC {
		t.Fatalf("unseen: %v", part.Unseen)
	}

	many := make([]string, fingerprint.MaxBatch+1)
	for i := range many {
		many[i] = fpA
	}
	b, _ := json.Marshal(map[string][]string{"fingerprints": many})
	rr = do(t, router, http.MethodPost, "/fingerprints/check", string(b))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 over the batch cap, got %d", rr.Code)
	}
}

func TestHTTP_RunShepherd_RequiresAdminToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	runner := &runnerStub{rep: shepherd.Report{Leased: 2}}
	router := newTestRouter(t, memory.New(), runner, string(hash))

	req := httptest.NewRequest(http.MethodPost, "/shepherd/run", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/shepherd/run", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/shepherd/run", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var rep shepherd.Report
	decode(t, rr, &rep)
	if rep.Leased != 2 || runner.calls != 1 {
		t.Fatalf("unexpected report %+v after %d calls", rep, runner.calls)
	}
}

func TestHTTP_RunShepherd_DisabledWithoutHash(t *testing.T) {
	router := newTestRouter(t, memory.New(), &runnerStub{}, "")
	rr := do(t, router, http.MethodPost, "/shepherd/run", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestHTTP_ShepherdState(t *testing.T) {
	store := memory.New()
	until := time.Now().UTC().Add(time.Hour)
	if err := store.SaveShepherdState(context.Background(), entity.ShepherdState{
		ConsecutiveFailures: 3, BreakerTrippedUntil: &until, LastFailureReason: "2 stale jobs",
	}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	router := newTestRouter(t, store, nil, "")

	rr := do(t, router, http.MethodGet, "/shepherd/state", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var st entity.ShepherdState
	decode(t, rr, &st)
	if st.ConsecutiveFailures != 3 || st.BreakerTrippedUntil == nil {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestHTTP_Health(t *testing.T) {
	router := newTestRouter(t, memory.New(), nil, "")
	rr := do(t, router, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("expected ok, got %d %q", rr.Code, rr.Body.String())
	}
}
