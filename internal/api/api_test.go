package api_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printd/internal/api"
	"github.com/orrn/printd/internal/backend"
	"github.com/orrn/printd/internal/core"
	"github.com/orrn/printd/internal/dispatch"
	"github.com/orrn/printd/internal/history"
	"github.com/orrn/printd/internal/notify"
	"github.com/orrn/printd/internal/spool"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := spool.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	archive, err := history.Open(filepath.Join(t.TempDir(), "printd.db"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { archive.Close() })

	sys := core.NewSystem(core.SystemConfig{
		Store:    store,
		Engine:   notify.NewEngine(logger),
		Recorder: archive,
		Logger:   logger,
	})

	be, err := backend.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if _, err := sys.AddPrinter("office", be, &core.PrinterLimits{
		MaxDocuments:  10,
		DefaultFormat: spool.FormatText,
	}); err != nil {
		t.Fatalf("AddPrinter: %v", err)
	}

	auth, err := api.NewAuth(archive, "admin", time.Hour)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	d := dispatch.New(sys, "admin", logger)
	return api.NewServer(sys, d, archive, auth, logger).Router()
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, out
}

func setupAdmin(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w, out := doJSON(t, r, http.MethodPost, "/api/setup", "", `{"username":"root","password":"secret123"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("setup status = %d, body %s", w.Code, w.Body.String())
	}
	token, _ := out["token"].(string)
	if token == "" {
		t.Fatal("setup should return a token")
	}
	return token
}

func TestAuthFlow(t *testing.T) {
	r := newTestRouter(t)

	// No routes behind the auth gate respond before setup/login.
	if w, _ := doJSON(t, r, http.MethodGet, "/api/printers", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", w.Code)
	}

	token := setupAdmin(t, r)

	// Setup only works once.
	if w, _ := doJSON(t, r, http.MethodPost, "/api/setup", "", `{"username":"eve","password":"secret123"}`); w.Code != http.StatusBadRequest {
		t.Errorf("second setup status = %d, want 400", w.Code)
	}

	// Wrong password.
	if w, _ := doJSON(t, r, http.MethodPost, "/api/login", "", `{"username":"root","password":"wrong"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", w.Code)
	}

	// Correct login issues a fresh token.
	w, out := doJSON(t, r, http.MethodPost, "/api/login", "", `{"username":"root","password":"secret123"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d", w.Code)
	}
	if tok, _ := out["token"].(string); tok == "" {
		t.Error("login should return a token")
	}

	if w, _ := doJSON(t, r, http.MethodGet, "/api/printers", token, ""); w.Code != http.StatusOK {
		t.Errorf("authenticated list status = %d, want 200", w.Code)
	}
}

func TestSubmitAndListJobs(t *testing.T) {
	r := newTestRouter(t)
	token := setupAdmin(t, r)

	req := httptest.NewRequest(http.MethodPost, "/api/printers/office/submit?title=hello", strings.NewReader("hello printer"))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, body %s", w.Code, w.Body.String())
	}

	var created struct {
		Job core.JobView `json:"job"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Job.ID != 1 || created.Job.Title != "hello" {
		t.Errorf("created job = %+v", created.Job)
	}

	// The job shows up in the listing.
	w2, out := doJSON(t, r, http.MethodGet, "/api/printers/office/jobs", token, "")
	if w2.Code != http.StatusOK {
		t.Fatalf("list status = %d", w2.Code)
	}
	jobs, _ := out["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("listed %d jobs, want 1", len(jobs))
	}

	// Unknown printers 404.
	if w3, _ := doJSON(t, r, http.MethodGet, "/api/printers/basement/jobs", token, ""); w3.Code != http.StatusNotFound {
		t.Errorf("unknown printer status = %d, want 404", w3.Code)
	}
}

func TestStrictFidelityOverHTTP(t *testing.T) {
	r := newTestRouter(t)
	token := setupAdmin(t, r)

	req := httptest.NewRequest(http.MethodPost,
		"/api/printers/office/submit?title=x&fidelity=true&finishings=staple",
		strings.NewReader("data"))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("strict fidelity status = %d, want 400", w.Code)
	}
}

func TestSubscriptionsOverHTTP(t *testing.T) {
	r := newTestRouter(t)
	token := setupAdmin(t, r)

	w, out := doJSON(t, r, http.MethodPost, "/api/subscriptions", token,
		`{"printer":"office","events":["job-created","all-of-them"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create subscription status = %d, body %s", w.Code, w.Body.String())
	}
	if ignored, _ := out["ignored_events"].([]any); len(ignored) != 1 {
		t.Errorf("ignored_events = %v, want the unknown name", out["ignored_events"])
	}

	// Push delivery is refused outright.
	w2, _ := doJSON(t, r, http.MethodPost, "/api/subscriptions", token,
		`{"printer":"office","events":["job-created"],"delivery_uri":"http://example.com/hook"}`)
	if w2.Code != http.StatusBadRequest {
		t.Errorf("push subscription status = %d, want 400", w2.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(t)

	if w, _ := doJSON(t, r, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "printd_") {
		t.Error("metrics output should contain printd instruments")
	}
}
