package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/RegistryAccord/scriptstudio-go/internal/api"
	"github.com/RegistryAccord/scriptstudio-go/internal/chain"
	errordefs "github.com/RegistryAccord/scriptstudio-go/internal/errors"
	"github.com/RegistryAccord/scriptstudio-go/internal/fakebackend"
	"github.com/RegistryAccord/scriptstudio-go/internal/model"
	"github.com/RegistryAccord/scriptstudio-go/internal/session"
	"github.com/RegistryAccord/scriptstudio-go/internal/storage"
	"github.com/RegistryAccord/scriptstudio-go/internal/studio"
)

type envelope struct {
	Data  json.RawMessage  `json:"data"`
	Error *errordefs.Error `json:"error"`
}

type harness struct {
	t   *testing.T
	fb  *fakebackend.Backend
	mux http.Handler
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	fb := fakebackend.New()
	t.Cleanup(fb.Close)

	sess := session.New(token)
	client, err := api.New(fb.URL(), sess)
	if err != nil {
		t.Fatalf("api.New() error = %v", err)
	}
	st := studio.New(studio.Config{Backend: client, Session: sess, Store: storage.NewMemory(), TTL: time.Minute})
	t.Cleanup(st.Close)

	return &harness{t: t, fb: fb, mux: NewMux(st, Options{CORSAllowedOrigins: []string{"http://localhost:5173"}})}
}

func (h *harness) do(method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.mux.ServeHTTP(rr, req)

	var env envelope
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			h.t.Fatalf("%s %s: invalid JSON %q", method, path, rr.Body.String())
		}
	}
	return rr, env
}

func TestHealthzEndpoint(t *testing.T) {
	h := newHarness(t, "token-a")
	rr, _ := h.do(http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rr.Code, rr.Body.String())
	}
}

func TestReadyzEndpoint(t *testing.T) {
	h := newHarness(t, "token-a")
	rr, _ := h.do(http.MethodGet, "/readyz", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("readyz = %d %q", rr.Code, rr.Body.String())
	}
}

func TestGroupsEndpoint(t *testing.T) {
	h := newHarness(t, "token-a")
	h.fb.AddScript(model.ScriptRecord{BrandName: "Acme", ProductName: "Rocket"})
	h.fb.AddScript(model.ScriptRecord{BrandName: "Acme", ProductName: "Rocket"})
	h.fb.AddScript(model.ScriptRecord{BrandName: "Zeta", ProductName: "Boots"})

	rr, env := h.do(http.MethodGet, "/v1/groups?sort=count", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(api.HeaderCorrelationID) == "" {
		t.Error("missing correlation id header")
	}
	var view studio.GroupsView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatal(err)
	}
	if len(view.Groups) != 2 || view.Total != 3 || view.Groups[0].ScriptCount != 2 {
		t.Fatalf("view = %+v", view)
	}

	rr, env = h.do(http.MethodGet, "/v1/groups/scripts?brand=Acme&product=Rocket", nil)
	var scripts studio.ScriptsView
	if err := json.Unmarshal(env.Data, &scripts); err != nil {
		t.Fatal(err)
	}
	if rr.Code != http.StatusOK || len(scripts.Scripts) != 2 {
		t.Fatalf("group scripts = %d %+v", rr.Code, scripts)
	}

	rr, env = h.do(http.MethodGet, "/v1/brands", nil)
	var brands studio.BrandsView
	if err := json.Unmarshal(env.Data, &brands); err != nil {
		t.Fatal(err)
	}
	if rr.Code != http.StatusOK || len(brands.Brands) != 2 {
		t.Fatalf("brands = %d %+v", rr.Code, brands)
	}
	if got := h.fb.Calls(fakebackend.OpList); got != 1 {
		t.Errorf("list calls = %d, want 1", got)
	}
}

func TestStaleViewCarriesError(t *testing.T) {
	h := newHarness(t, "token-a")
	h.fb.AddScript(model.ScriptRecord{BrandName: "Acme", ProductName: "Rocket"})
	h.do(http.MethodGet, "/v1/groups", nil)

	h.fb.FailNext(fakebackend.OpList, http.StatusServiceUnavailable, "maintenance")
	rr, env := h.do(http.MethodGet, "/v1/groups?refresh=true", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if env.Error == nil || env.Error.Code != errordefs.NETWORK_FAILURE || env.Error.Message != "maintenance" {
		t.Fatalf("error = %+v", env.Error)
	}
	var view studio.GroupsView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatal(err)
	}
	if len(view.Groups) != 1 {
		t.Fatalf("stale groups = %+v", view.Groups)
	}
}

func TestSessionEndpoints(t *testing.T) {
	h := newHarness(t, "")

	rr, env := h.do(http.MethodGet, "/v1/groups", nil)
	if rr.Code != http.StatusUnauthorized || env.Error == nil || env.Error.Code != errordefs.AUTH_REQUIRED {
		t.Fatalf("signed out groups = %d %+v", rr.Code, env.Error)
	}
	if env.Error.CorrelationID != rr.Header().Get(api.HeaderCorrelationID) {
		t.Errorf("correlation id %q does not match header", env.Error.CorrelationID)
	}
	if got := h.fb.Calls(fakebackend.OpList); got != 0 {
		t.Fatalf("list calls = %d, want none while signed out", got)
	}

	rr, _ = h.do(http.MethodPut, "/v1/session", map[string]string{"token": ""})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty token status = %d", rr.Code)
	}

	rr, env = h.do(http.MethodPut, "/v1/session", map[string]string{"token": "token-a"})
	var sess sessionView
	if err := json.Unmarshal(env.Data, &sess); err != nil {
		t.Fatal(err)
	}
	if rr.Code != http.StatusOK || !sess.Authenticated || !sess.Opaque || sess.Subject == "" {
		t.Fatalf("sign in = %d %+v", rr.Code, sess)
	}

	rr, _ = h.do(http.MethodGet, "/v1/groups", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("groups after sign in = %d", rr.Code)
	}

	rr, env = h.do(http.MethodDelete, "/v1/session", nil)
	if err := json.Unmarshal(env.Data, &sess); err != nil {
		t.Fatal(err)
	}
	if rr.Code != http.StatusOK || sess.Authenticated {
		t.Fatalf("sign out = %d %+v", rr.Code, sess)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t, "token-a")
	rr, env := h.do(http.MethodPost, "/v1/groups", nil)
	if rr.Code != http.StatusMethodNotAllowed || env.Error == nil || env.Error.Code != errordefs.BAD_REQUEST {
		t.Fatalf("status = %d error = %+v", rr.Code, env.Error)
	}
	if rr.Header().Get("Allow") != http.MethodGet {
		t.Errorf("Allow = %q", rr.Header().Get("Allow"))
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, "token-a")

	req := httptest.NewRequest(http.MethodOptions, "/v1/groups", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()
	h.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("preflight = %d %v", rr.Code, rr.Header())
	}

	req = httptest.NewRequest(http.MethodOptions, "/v1/groups", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	h.mux.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("disallowed origin got CORS headers")
	}
}

func TestChainEndpoints(t *testing.T) {
	h := newHarness(t, "token-a")
	versions := h.fb.AddChain(
		model.ScriptRecord{BrandName: "Acme", ProductName: "Rocket", Content: "v1"},
		model.ScriptRecord{BrandName: "Acme", ProductName: "Rocket", Content: "v2"},
	)
	root := versions[0].ID
	decodeSnap := func(raw json.RawMessage) chain.Snapshot {
		t.Helper()
		var snap chain.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			t.Fatal(err)
		}
		return snap
	}

	rr, env := h.do(http.MethodGet, "/v1/scripts/"+root+"/chain", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("chain status = %d body = %s", rr.Code, rr.Body.String())
	}
	if snap := decodeSnap(env.Data); len(snap.Versions) != 2 || snap.Current != 2 {
		t.Fatalf("chain = %+v", snap)
	}

	rr, env = h.do(http.MethodPost, "/v1/scripts/"+root+"/regenerate", map[string]string{"instructions": "  "})
	if rr.Code != http.StatusBadRequest || env.Error.Code != errordefs.BAD_REQUEST {
		t.Fatalf("empty instructions = %d %+v", rr.Code, env.Error)
	}

	rr, env = h.do(http.MethodPost, "/v1/scripts/"+root+"/regenerate", map[string]string{"instructions": "shorter"})
	if rr.Code != http.StatusOK {
		t.Fatalf("regenerate status = %d body = %s", rr.Code, rr.Body.String())
	}
	snap := decodeSnap(env.Data)
	if len(snap.Versions) != 3 || snap.Current != 3 || snap.Versions[2].Record.RegenerationPrompt != "shorter" {
		t.Fatalf("regenerated chain = %+v", snap)
	}
	newest := snap.Versions[2].Record.ID

	rr, _ = h.do(http.MethodPut, "/v1/scripts/"+root+"/versions/"+newest+"/like", map[string]string{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("like without value = %d", rr.Code)
	}
	rr, env = h.do(http.MethodPut, "/v1/scripts/"+root+"/versions/"+newest+"/like", map[string]bool{"liked": true})
	if rr.Code != http.StatusOK || !decodeSnap(env.Data).Versions[2].Record.IsLiked() {
		t.Fatalf("like = %d %s", rr.Code, rr.Body.String())
	}

	rr, env = h.do(http.MethodPut, "/v1/scripts/"+root+"/content", map[string]string{"versionId": versions[0].ID, "content": "edit"})
	if rr.Code != http.StatusConflict || env.Error.Code != errordefs.VERSION_IMMUTABLE {
		t.Fatalf("edit old version = %d %+v", rr.Code, env.Error)
	}

	rr, env = h.do(http.MethodPut, "/v1/scripts/"+root+"/content", map[string]string{"content": "final cut"})
	if rr.Code != http.StatusOK {
		t.Fatalf("edit status = %d body = %s", rr.Code, rr.Body.String())
	}
	var edit struct {
		Synced bool           `json:"synced"`
		Chain  chain.Snapshot `json:"chain"`
	}
	if err := json.Unmarshal(env.Data, &edit); err != nil {
		t.Fatal(err)
	}
	if !edit.Synced || edit.Chain.Versions[2].Record.Content != "final cut" {
		t.Fatalf("edit = %+v", edit)
	}

	rr, env = h.do(http.MethodPut, "/v1/scripts/"+root+"/current", map[string]int{"version": 1})
	if rr.Code != http.StatusOK || decodeSnap(env.Data).Current != 1 {
		t.Fatalf("select = %d %s", rr.Code, rr.Body.String())
	}

	rr, env = h.do(http.MethodGet, "/v1/scripts/missing/chain", nil)
	if rr.Code != http.StatusNotFound || env.Error.Code != errordefs.NOT_FOUND {
		t.Fatalf("missing chain = %d %+v", rr.Code, env.Error)
	}
}

type draftView struct {
	Draft      model.Draft         `json:"draft"`
	Result     *model.ScriptRecord `json:"result"`
	ResultView bool                `json:"resultView"`
}

func TestDraftAndGenerateEndpoints(t *testing.T) {
	h := newHarness(t, "token-a")

	draft := model.Draft{Step: 2, Fields: map[string]interface{}{"brandName": "Nova", "productName": "Lamp"}}
	rr, _ := h.do(http.MethodPut, "/v1/draft", draft)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("save draft = %d %s", rr.Code, rr.Body.String())
	}

	rr, env := h.do(http.MethodGet, "/v1/draft", nil)
	var got draftView
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatal(err)
	}
	if rr.Code != http.StatusOK || got.Draft.Step != 2 || got.Draft.Fields["brandName"] != "Nova" || got.ResultView {
		t.Fatalf("load draft = %d %+v", rr.Code, got)
	}

	rr, env = h.do(http.MethodPost, "/v1/generate", draft)
	if rr.Code != http.StatusCreated {
		t.Fatalf("generate = %d %s", rr.Code, rr.Body.String())
	}
	var rec model.ScriptRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		t.Fatal(err)
	}

	_, env = h.do(http.MethodGet, "/v1/draft", nil)
	got = draftView{}
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatal(err)
	}
	if !got.ResultView || got.Result == nil || got.Result.ID != rec.ID || len(got.Draft.Fields) != 0 {
		t.Fatalf("draft after generate = %+v", got)
	}

	rr, _ = h.do(http.MethodDelete, "/v1/draft", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("reset = %d", rr.Code)
	}
	_, env = h.do(http.MethodGet, "/v1/draft", nil)
	got = draftView{}
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ResultView {
		t.Fatalf("result view survived reset")
	}

	rr, env = h.do(http.MethodPost, "/v1/generate", model.Draft{})
	if rr.Code != http.StatusBadRequest || env.Error.Code != errordefs.BAD_REQUEST {
		t.Fatalf("empty generate = %d %+v", rr.Code, env.Error)
	}
}
