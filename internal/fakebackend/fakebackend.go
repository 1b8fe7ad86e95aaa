// Package fakebackend is an in-memory script backend for tests. It speaks the same HTTP
// surface as the real collaborator and lets tests script failures and response shapes.
package fakebackend

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RegistryAccord/scriptstudio-go/internal/model"
	"github.com/google/uuid"
)

// RegenerateMode selects what a successful regenerate returns.
type RegenerateMode int

const (
	// ReturnRecord answers with the new version only.
	ReturnRecord RegenerateMode = iota
	// ReturnChain answers with the root record and the full refreshed version list.
	ReturnChain
	// Acknowledge answers {"success":true} with no record.
	Acknowledge
)

// Operation names accepted by FailNext and Calls.
const (
	OpList       = "list"
	OpGet        = "get"
	OpRegenerate = "regenerate"
	OpLike       = "like"
	OpUpdate     = "update"
	OpGenerate   = "generate"
)

type failure struct {
	status  int
	message string
}

// Backend is a fake script backend.
type Backend struct {
	mu sync.Mutex

	token        string
	envelope     bool
	omitVersions bool
	regenMode    RegenerateMode

	chains   map[string][]model.ScriptRecord // root id -> versions
	owner    map[string]string               // any version id -> root id
	order    []string                        // root ids in insertion order
	failures map[string][]failure
	calls    map[string]int
	bodies   map[string][]json.RawMessage
	gate     map[string]chan struct{}

	server *httptest.Server
	now    func() time.Time
}

// New starts a fake backend.
func New() *Backend {
	b := &Backend{
		chains:   make(map[string][]model.ScriptRecord),
		owner:    make(map[string]string),
		failures: make(map[string][]failure),
		calls:    make(map[string]int),
		bodies:   make(map[string][]json.RawMessage),
		gate:     make(map[string]chan struct{}),
		now:      time.Now,
	}
	b.server = httptest.NewServer(b.Handler())
	return b
}

// URL returns the base URL to configure the client with.
func (b *Backend) URL() string { return b.server.URL + "/api" }

// Close stops the server.
func (b *Backend) Close() { b.server.Close() }

// RequireToken makes token the only accepted bearer credential.
func (b *Backend) RequireToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
}

// UseEnvelope wraps successful responses in {"success":true,"data":...}.
func (b *Backend) UseEnvelope(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envelope = on
}

// OmitVersions makes GET scripts/{id} return the record without its history.
func (b *Backend) OmitVersions(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.omitVersions = on
}

// SetRegenerateMode selects the regenerate response shape.
func (b *Backend) SetRegenerateMode(m RegenerateMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regenMode = m
}

// AddScript stores a single-version script and returns it with an id assigned.
func (b *Backend) AddScript(r model.ScriptRecord) model.ScriptRecord {
	return b.AddChain(r)[0]
}

// AddChain stores a script with several versions in generation order.
func (b *Backend) AddChain(versions ...model.ScriptRecord) []model.ScriptRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.ScriptRecord, len(versions))
	for i, v := range versions {
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = model.At(b.now().UTC())
		}
		out[i] = v
	}
	root := out[0].ID
	b.chains[root] = out
	b.order = append(b.order, root)
	for _, v := range out {
		b.owner[v.ID] = root
	}
	return append([]model.ScriptRecord(nil), out...)
}

// Chain returns the stored versions of the script that contains id.
func (b *Backend) Chain(id string) []model.ScriptRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.ScriptRecord(nil), b.chains[b.owner[id]]...)
}

// FailNext makes the next call to op fail with status and message.
func (b *Backend) FailNext(op string, status int, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], failure{status: status, message: message})
}

// Hold blocks calls to op until the returned release function is called.
func (b *Backend) Hold(op string) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.gate[op] = ch
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.gate, op)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns how many requests reached op.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Bodies returns the request bodies received for op.
func (b *Backend) Bodies(op string) []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]json.RawMessage(nil), b.bodies[op]...)
}

// Handler returns the HTTP handler.
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/scripts", b.op(OpList, b.list))
	mux.HandleFunc("POST /api/scripts/generate", b.op(OpGenerate, b.generate))
	mux.HandleFunc("GET /api/scripts/{id}", b.op(OpGet, b.get))
	mux.HandleFunc("PUT /api/scripts/{id}", b.op(OpUpdate, b.update))
	mux.HandleFunc("POST /api/scripts/{id}/regenerate", b.op(OpRegenerate, b.regenerate))
	mux.HandleFunc("POST /api/scripts/{id}/like", b.op(OpLike, b.like(true)))
	mux.HandleFunc("DELETE /api/scripts/{id}/like", b.op(OpLike, b.like(false)))
	return mux
}

func (b *Backend) op(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(raw))

		b.mu.Lock()
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || (b.token != "" && auth != "Bearer "+b.token) {
			b.mu.Unlock()
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid credential"})
			return
		}
		b.calls[name]++
		if len(raw) > 0 {
			b.bodies[name] = append(b.bodies[name], json.RawMessage(raw))
		}
		gate := b.gate[name]
		var fail *failure
		if q := b.failures[name]; len(q) > 0 {
			fail = &q[0]
			b.failures[name] = q[1:]
		}
		b.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		if fail != nil {
			writeJSON(w, fail.status, map[string]interface{}{"success": false, "message": fail.message})
			return
		}
		h(w, r)
	}
}

func (b *Backend) list(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	out := make([]model.ScriptRecord, 0, len(b.order))
	for _, root := range b.order {
		out = append(out, b.chains[root][0])
	}
	b.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt.Time) })
	b.write(w, out)
}

func (b *Backend) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	root, ok := b.owner[id]
	if !ok {
		b.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "script not found"})
		return
	}
	versions := append([]model.ScriptRecord(nil), b.chains[root]...)
	omit := b.omitVersions
	b.mu.Unlock()

	if omit {
		for _, v := range versions {
			if v.ID == id {
				b.write(w, v)
				return
			}
		}
	}
	b.write(w, model.ScriptDetail{ScriptRecord: versions[0], Versions: versions})
}

func (b *Backend) regenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instructions string `json:"instructions"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	id := r.PathValue("id")

	b.mu.Lock()
	root, ok := b.owner[id]
	if !ok {
		b.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "script not found"})
		return
	}
	chain := b.chains[root]
	last := chain[len(chain)-1]
	next := last.Clone()
	next.ID = uuid.NewString()
	next.Content = "Regenerated: " + req.Instructions
	next.RegenerationPrompt = req.Instructions
	next.Liked = nil
	next.CreatedAt = model.At(b.now().UTC())
	chain = append(chain, next)
	b.chains[root] = chain
	b.owner[next.ID] = root
	versions := append([]model.ScriptRecord(nil), chain...)
	mode := b.regenMode
	b.mu.Unlock()

	switch mode {
	case ReturnChain:
		b.write(w, model.ScriptDetail{ScriptRecord: versions[0], Versions: versions})
	case Acknowledge:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		b.write(w, next)
	}
}

func (b *Backend) like(liked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !b.mutate(id, func(v *model.ScriptRecord) { v.Liked = model.Bool(liked) }) {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "script not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (b *Backend) update(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if !b.mutate(r.PathValue("id"), func(v *model.ScriptRecord) { v.Content = req.Content }) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "script not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (b *Backend) generate(w http.ResponseWriter, r *http.Request) {
	var fields map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&fields)
	str := func(k string) string {
		s, _ := fields[k].(string)
		return s
	}
	rec := model.ScriptRecord{
		Title:       str("title"),
		Content:     "Generated script for " + str("productName"),
		BrandName:   str("brandName"),
		ProductName: str("productName"),
		AdType:      model.AdType(str("adType")),
	}
	rec = b.AddScript(rec)
	writeJSON(w, http.StatusOK, model.GenerateResult{Success: true, Script: &rec})
}

func (b *Backend) mutate(id string, fn func(*model.ScriptRecord)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	root, ok := b.owner[id]
	if !ok {
		return false
	}
	chain := b.chains[root]
	for i := range chain {
		if chain[i].ID == id {
			fn(&chain[i])
			return true
		}
	}
	return false
}

func (b *Backend) write(w http.ResponseWriter, v interface{}) {
	b.mu.Lock()
	envelope := b.envelope
	b.mu.Unlock()
	if envelope {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": v})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
