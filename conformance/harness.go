// Package conformance provides a harness that drives the studio's HTTP bridge against a
// fake backend and checks the observable contract: grouping, caching, version chains,
// drafts and the error taxonomy.
package conformance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/RegistryAccord/scriptstudio-go/internal/api"
	"github.com/RegistryAccord/scriptstudio-go/internal/chain"
	errordefs "github.com/RegistryAccord/scriptstudio-go/internal/errors"
	"github.com/RegistryAccord/scriptstudio-go/internal/fakebackend"
	"github.com/RegistryAccord/scriptstudio-go/internal/model"
	"github.com/RegistryAccord/scriptstudio-go/internal/server"
	"github.com/RegistryAccord/scriptstudio-go/internal/session"
	"github.com/RegistryAccord/scriptstudio-go/internal/storage"
	"github.com/RegistryAccord/scriptstudio-go/internal/studio"
)

// Harness runs the studio behind an httptest server.
type Harness struct {
	server  *httptest.Server
	backend *fakebackend.Backend
	studio  *studio.Studio
	store   storage.Store
	cfg     Config
}

// Config holds configuration for the conformance harness.
type Config struct {
	// Token is the credential the studio starts with and the backend requires
	Token string

	// Envelope makes the backend wrap responses in {"success":true,"data":...}
	Envelope bool

	// OmitVersions makes the backend answer detail requests without history
	OmitVersions bool

	// RegenerateMode selects what the backend returns from a regeneration
	RegenerateMode fakebackend.RegenerateMode

	// SQLitePath stores drafts in SQLite instead of memory when set
	SQLitePath string
}

// NewHarness creates a harness with a fresh backend.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.Token == "" {
		cfg.Token = "conformance-token"
	}

	fb := fakebackend.New()
	fb.RequireToken(cfg.Token)
	fb.UseEnvelope(cfg.Envelope)
	fb.OmitVersions(cfg.OmitVersions)
	fb.SetRegenerateMode(cfg.RegenerateMode)

	store := storage.NewMemory()
	if cfg.SQLitePath != "" {
		var err error
		if store, err = storage.NewSQLite(cfg.SQLitePath); err != nil {
			fb.Close()
			return nil, fmt.Errorf("failed to open draft store: %w", err)
		}
	}

	sess := session.New(cfg.Token)
	client, err := api.New(fb.URL(), sess, api.WithTimeout(5*time.Second))
	if err != nil {
		fb.Close()
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}
	st := studio.New(studio.Config{Backend: client, Session: sess, Store: store, TTL: time.Minute})

	return &Harness{
		server:  httptest.NewServer(server.NewMux(st, server.Options{})),
		backend: fb,
		studio:  st,
		store:   store,
		cfg:     cfg,
	}, nil
}

// URL returns the base URL of the bridge.
func (h *Harness) URL() string {
	return h.server.URL
}

// Backend exposes the fake backend for seeding and fault injection.
func (h *Harness) Backend() *fakebackend.Backend {
	return h.backend
}

// Close shuts down the bridge and the backend.
func (h *Harness) Close() {
	h.server.Close()
	h.studio.Close()
	h.store.Close()
	h.backend.Close()
}

// Response is a decoded bridge response.
type Response struct {
	Status int
	Data   json.RawMessage
	Error  *errordefs.Error
}

// Do sends a request to the bridge. body is JSON-encoded when non-nil.
func (h *Harness) Do(t *testing.T, method, path string, body interface{}) Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.URL()+path, rdr)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := Response{Status: resp.StatusCode}
	raw, _ := io.ReadAll(resp.Body)
	if resp.Header.Get("Content-Type") == "application/json" {
		var env struct {
			Data  json.RawMessage  `json:"data"`
			Error *errordefs.Error `json:"error"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("%s %s: invalid JSON %q", method, path, raw)
		}
		out.Data, out.Error = env.Data, env.Error
	}
	return out
}

// Decode unmarshals the response data into v.
func (r Response) Decode(t *testing.T, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(r.Data, v); err != nil {
		t.Fatalf("decode data %s: %v", r.Data, err)
	}
}

// RunConformanceTests runs the behavioral checks.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("Library", h.testLibrary)
	t.Run("VersionChain", h.testVersionChain)
	t.Run("Drafts", h.testDrafts)
}

// RunAcceptanceTests runs the error-contract checks.
func (h *Harness) RunAcceptanceTests(t *testing.T) {
	t.Run("ErrorTaxonomy", h.testErrorTaxonomy)
	t.Run("SessionLifecycle", h.testSessionLifecycle)
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

func (h *Harness) testLibrary(t *testing.T) {
	day := func(d int) model.Timestamp { return model.At(time.Date(2024, 5, d, 9, 0, 0, 0, time.UTC)) }
	h.backend.AddScript(model.ScriptRecord{Title: "a", BrandName: "Lumen", ProductName: "Lamp", CreatedAt: day(1)})
	h.backend.AddScript(model.ScriptRecord{Title: "b", Metadata: map[string]interface{}{"brand_name": "Lumen", "product_name": "Lamp"}, CreatedAt: day(3)})
	h.backend.AddScript(model.ScriptRecord{Title: "c", CreatedAt: day(2)})

	before := h.backend.Calls(fakebackend.OpList)
	resp := h.Do(t, http.MethodGet, "/v1/groups?refresh=true", nil)
	if resp.Status != http.StatusOK {
		t.Fatalf("groups status = %d error = %+v", resp.Status, resp.Error)
	}
	var view studio.GroupsView
	resp.Decode(t, &view)

	byKey := map[string]model.ScriptGroup{}
	for _, g := range view.Groups {
		byKey[g.BrandName+"/"+g.ProductName] = g
	}
	lamp, ok := byKey["Lumen/Lamp"]
	if !ok || lamp.ScriptCount != 2 {
		t.Fatalf("metadata identity not merged: %+v", view.Groups)
	}
	if !lamp.LatestDate.Equal(day(3).Time) || !lamp.FirstDate.Equal(day(1).Time) {
		t.Errorf("lamp dates = %v .. %v", lamp.FirstDate, lamp.LatestDate)
	}
	if _, ok := byKey[model.UnknownBrand+"/"+model.UnknownProduct]; !ok {
		t.Errorf("record without identity not grouped under the fallback: %+v", view.Groups)
	}

	h.Do(t, http.MethodGet, "/v1/groups", nil)
	h.Do(t, http.MethodGet, "/v1/brands", nil)
	if got := h.backend.Calls(fakebackend.OpList) - before; got != 1 {
		t.Errorf("list calls = %d, want fresh cache to serve repeat reads", got)
	}

	resp = h.Do(t, http.MethodGet, "/v1/groups/scripts?brand=Lumen&product=Lamp", nil)
	var scripts studio.ScriptsView
	resp.Decode(t, &scripts)
	if len(scripts.Scripts) != 2 || scripts.Scripts[0].Title != "b" {
		t.Errorf("group scripts = %+v", scripts.Scripts)
	}
}

func (h *Harness) testVersionChain(t *testing.T) {
	versions := h.backend.AddChain(
		model.ScriptRecord{BrandName: "Orbit", ProductName: "Pack", Content: "first"},
		model.ScriptRecord{BrandName: "Orbit", ProductName: "Pack", Content: "second"},
	)
	root := versions[0].ID

	resp := h.Do(t, http.MethodGet, "/v1/scripts/"+root+"/chain", nil)
	if resp.Status != http.StatusOK {
		t.Fatalf("chain status = %d error = %+v", resp.Status, resp.Error)
	}
	var snap chain.Snapshot
	resp.Decode(t, &snap)
	want := 2
	if h.cfg.OmitVersions {
		want = 1
	}
	if len(snap.Versions) != want {
		t.Fatalf("loaded versions = %d, want %d", len(snap.Versions), want)
	}

	resp = h.Do(t, http.MethodPost, "/v1/scripts/"+root+"/regenerate", map[string]string{"instructions": "warmer tone"})
	if resp.Status != http.StatusOK {
		t.Fatalf("regenerate status = %d error = %+v", resp.Status, resp.Error)
	}
	var after chain.Snapshot
	resp.Decode(t, &after)
	if len(after.Versions) != len(snap.Versions)+1 || after.Current != len(after.Versions) {
		t.Fatalf("after regenerate: %d versions, current %d", len(after.Versions), after.Current)
	}
	for i, v := range after.Versions {
		if v.Number != i+1 {
			t.Errorf("version %d numbered %d", i, v.Number)
		}
	}
	newest := after.Versions[len(after.Versions)-1].Record
	if newest.RegenerationPrompt != "warmer tone" || newest.Content != "Regenerated: warmer tone" {
		t.Errorf("newest = %+v", newest)
	}
	if len(after.Audit) != 1 || after.Audit[0].Outcome != model.RegenerationSucceeded {
		t.Errorf("audit = %+v", after.Audit)
	}

	h.backend.FailNext(fakebackend.OpRegenerate, http.StatusInternalServerError, "model unavailable")
	resp = h.Do(t, http.MethodPost, "/v1/scripts/"+root+"/regenerate", map[string]string{"instructions": "again"})
	if resp.Status != http.StatusBadGateway || resp.Error.Code != errordefs.NETWORK_FAILURE {
		t.Fatalf("failed regenerate = %d %+v", resp.Status, resp.Error)
	}
	resp = h.Do(t, http.MethodGet, "/v1/scripts/"+root+"/chain", nil)
	var unchanged chain.Snapshot
	resp.Decode(t, &unchanged)
	if len(unchanged.Versions) != len(after.Versions) {
		t.Errorf("failed regenerate changed the chain: %d versions", len(unchanged.Versions))
	}

	h.backend.FailNext(fakebackend.OpLike, http.StatusInternalServerError, "like failed")
	resp = h.Do(t, http.MethodPut, "/v1/scripts/"+root+"/versions/"+newest.ID+"/like", map[string]bool{"liked": true})
	if resp.Status != http.StatusBadGateway {
		t.Fatalf("failed like status = %d", resp.Status)
	}
	resp = h.Do(t, http.MethodGet, "/v1/scripts/"+root+"/chain", nil)
	var reverted chain.Snapshot
	resp.Decode(t, &reverted)
	if reverted.Versions[len(reverted.Versions)-1].Record.IsLiked() {
		t.Errorf("failed like was not reverted")
	}
}

func (h *Harness) testDrafts(t *testing.T) {
	d := model.Draft{Step: 4, Fields: map[string]interface{}{"brandName": "Nimbus", "productName": "Kettle"}}
	if resp := h.Do(t, http.MethodPut, "/v1/draft", d); resp.Status != http.StatusNoContent {
		t.Fatalf("save draft status = %d", resp.Status)
	}

	h.backend.FailNext(fakebackend.OpGenerate, http.StatusInternalServerError, "quota exceeded")
	resp := h.Do(t, http.MethodPost, "/v1/generate", d)
	if resp.Status != http.StatusBadGateway || resp.Error.Message != "quota exceeded" {
		t.Fatalf("failed generate = %d %+v", resp.Status, resp.Error)
	}
	var kept struct {
		Draft model.Draft `json:"draft"`
	}
	h.Do(t, http.MethodGet, "/v1/draft", nil).Decode(t, &kept)
	if kept.Draft.Step != 4 {
		t.Fatalf("draft lost after failed generate: %+v", kept.Draft)
	}

	resp = h.Do(t, http.MethodPost, "/v1/generate", d)
	if resp.Status != http.StatusCreated {
		t.Fatalf("generate = %d %+v", resp.Status, resp.Error)
	}
	var rec model.ScriptRecord
	resp.Decode(t, &rec)

	var cleared struct {
		Draft      model.Draft         `json:"draft"`
		Result     *model.ScriptRecord `json:"result"`
		ResultView bool                `json:"resultView"`
	}
	h.Do(t, http.MethodGet, "/v1/draft", nil).Decode(t, &cleared)
	if len(cleared.Draft.Fields) != 0 || !cleared.ResultView || cleared.Result.ID != rec.ID {
		t.Fatalf("after generate = %+v", cleared)
	}

	resp = h.Do(t, http.MethodGet, "/v1/scripts/"+rec.ID+"/chain", nil)
	var snap chain.Snapshot
	resp.Decode(t, &snap)
	if len(snap.Versions) != 1 || snap.Versions[0].Record.ID != rec.ID {
		t.Errorf("generated chain = %+v", snap)
	}
}

func (h *Harness) testErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   errordefs.ErrorCode
	}{
		{"unknown script", http.MethodGet, "/v1/scripts/does-not-exist/chain", nil, http.StatusNotFound, errordefs.NOT_FOUND},
		{"regenerate unknown script", http.MethodPost, "/v1/scripts/does-not-exist/regenerate", map[string]string{"instructions": "x"}, http.StatusNotFound, errordefs.NOT_FOUND},
		{"empty draft", http.MethodPost, "/v1/generate", map[string]interface{}{}, http.StatusBadRequest, errordefs.BAD_REQUEST},
		{"bad json", http.MethodPut, "/v1/draft", "not an object", http.StatusBadRequest, errordefs.BAD_REQUEST},
		{"wrong method", http.MethodDelete, "/v1/groups", nil, http.StatusMethodNotAllowed, errordefs.BAD_REQUEST},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.Do(t, tc.method, tc.path, tc.body)
			if resp.Status != tc.status || resp.Error == nil || resp.Error.Code != tc.code {
				t.Fatalf("got %d %+v, want %d %s", resp.Status, resp.Error, tc.status, tc.code)
			}
			if resp.Error.CorrelationID == "" {
				t.Errorf("error without correlation id")
			}
		})
	}
}

func (h *Harness) testSessionLifecycle(t *testing.T) {
	if resp := h.Do(t, http.MethodDelete, "/v1/session", nil); resp.Status != http.StatusOK {
		t.Fatalf("sign out status = %d", resp.Status)
	}
	before := h.backend.Calls(fakebackend.OpList)
	resp := h.Do(t, http.MethodGet, "/v1/groups", nil)
	if resp.Status != http.StatusUnauthorized || resp.Error.Code != errordefs.AUTH_REQUIRED {
		t.Fatalf("signed out groups = %d %+v", resp.Status, resp.Error)
	}
	if h.backend.Calls(fakebackend.OpList) != before {
		t.Errorf("backend reached while signed out")
	}

	h.Do(t, http.MethodPut, "/v1/session", map[string]string{"token": "wrong-token"})
	resp = h.Do(t, http.MethodGet, "/v1/groups", nil)
	if resp.Status != http.StatusUnauthorized || resp.Error.Code != errordefs.AUTH_REQUIRED {
		t.Fatalf("rejected credential = %d %+v", resp.Status, resp.Error)
	}

	h.Do(t, http.MethodPut, "/v1/session", map[string]string{"token": h.cfg.Token})
	if resp := h.Do(t, http.MethodGet, "/v1/groups", nil); resp.Status != http.StatusOK {
		t.Fatalf("groups after sign in = %d %+v", resp.Status, resp.Error)
	}
}
