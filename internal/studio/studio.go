// Package studio wires the core together for one user session: the backend client,
// the TTL caches behind every list view, the open version chains, the draft manager and
// the invalidation bus. UI collaborators (the HTTP bridge, tests) talk only to Studio.
package studio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RegistryAccord/scriptstudio-go/internal/cache"
	"github.com/RegistryAccord/scriptstudio-go/internal/chain"
	"github.com/RegistryAccord/scriptstudio-go/internal/draft"
	errordefs "github.com/RegistryAccord/scriptstudio-go/internal/errors"
	"github.com/RegistryAccord/scriptstudio-go/internal/event"
	"github.com/RegistryAccord/scriptstudio-go/internal/grouping"
	"github.com/RegistryAccord/scriptstudio-go/internal/media"
	"github.com/RegistryAccord/scriptstudio-go/internal/metrics"
	"github.com/RegistryAccord/scriptstudio-go/internal/model"
	"github.com/RegistryAccord/scriptstudio-go/internal/session"
	"github.com/RegistryAccord/scriptstudio-go/internal/storage"
)

// Backend is everything the studio needs from the collaborator.
type Backend interface {
	chain.Backend
	ListScripts(ctx context.Context) ([]model.ScriptRecord, error)
	Generate(ctx context.Context, d model.Draft) (*model.ScriptRecord, error)
}

// Config holds the collaborators and tunables of a Studio.
type Config struct {
	Backend  Backend
	Session  *session.Session
	Store    storage.Store  // defaults to an in-memory store
	Bus      event.Bus      // defaults to event.Noop
	Media    media.Resolver // defaults to media.Passthrough
	TTL      time.Duration
	Ordering cache.Ordering
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// GroupsView is what the script library renders.
type GroupsView struct {
	Groups    []model.ScriptGroup `json:"groups"`
	Total     int                 `json:"totalScripts"`
	Loading   bool                `json:"loading"`
	FetchedAt time.Time           `json:"fetchedAt"`
	Err       error               `json:"-"`
}

// BrandsView is what the brand sidebar renders.
type BrandsView struct {
	Brands    []model.BrandSummary `json:"brands"`
	Loading   bool                 `json:"loading"`
	FetchedAt time.Time            `json:"fetchedAt"`
	Err       error                `json:"-"`
}

// ScriptsView is the product drill-down.
type ScriptsView struct {
	BrandName   string               `json:"brandName"`
	ProductName string               `json:"productName"`
	Scripts     []model.ScriptRecord `json:"scripts"`
	Loading     bool                 `json:"loading"`
	FetchedAt   time.Time            `json:"fetchedAt"`
	Err         error                `json:"-"`
}

// Studio is the client-side core for one signed-in user at a time.
type Studio struct {
	backend Backend
	session *session.Session
	store   storage.Store
	bus     event.Bus
	media   media.Resolver
	ttl     time.Duration
	logger  *slog.Logger

	records *cache.Cache[[]model.ScriptRecord]
	groups  *cache.Cache[[]model.ScriptGroup]
	brands  *cache.Cache[[]model.BrandSummary]
	signal  atomic.Uint64

	chains *chain.Manager
	drafts *draft.Manager

	mu          sync.Mutex
	subscribed  string
	unsubscribe func()
}

// New builds a Studio and subscribes to invalidations for the current session.
func New(cfg Config) *Studio {
	if cfg.Session == nil {
		cfg.Session = session.New("")
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemory()
	}
	if cfg.Bus == nil {
		cfg.Bus = event.Noop{}
	}
	if cfg.Media == nil {
		cfg.Media = media.Passthrough{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &Studio{
		backend: cfg.Backend,
		session: cfg.Session,
		store:   cfg.Store,
		bus:     cfg.Bus,
		media:   cfg.Media,
		ttl:     cfg.TTL,
		logger:  cfg.Logger,
	}

	cacheOpts := []cache.Option{
		cache.WithClock(cfg.Clock),
		cache.WithOrdering(cfg.Ordering),
		cache.WithCoalescing(),
		cache.WithLogger(cfg.Logger),
	}
	if cfg.Metrics != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics(cfg.Metrics))
	}
	s.records = cache.New[[]model.ScriptRecord]("scripts", cacheOpts...)
	s.groups = cache.New[[]model.ScriptGroup]("groups", cacheOpts...)
	s.brands = cache.New[[]model.BrandSummary]("brands", cacheOpts...)

	chainOpts := []chain.Option{
		chain.WithStore(cfg.Store, s.session.Scope),
		chain.WithLogger(cfg.Logger),
		chain.WithClock(cfg.Clock),
		chain.WithObserver(s.onChainEvent),
	}
	if cfg.Metrics != nil {
		chainOpts = append(chainOpts, chain.WithMetrics(cfg.Metrics))
	}
	s.chains = chain.NewManager(cfg.Backend, chainOpts...)
	s.drafts = draft.NewManager(cfg.Store, s.session.Scope, draft.WithLogger(cfg.Logger), draft.WithClock(cfg.Clock))

	s.resubscribe()
	return s
}

// Session returns the session the studio reads its credential from.
func (s *Studio) Session() *session.Session { return s.session }

// Drafts returns the draft manager.
func (s *Studio) Drafts() *draft.Manager { return s.drafts }

// SignIn replaces the credential. Switching to a different user drops every cached view
// and open chain.
func (s *Studio) SignIn(token string) {
	before := s.session.Scope()
	s.session.SignIn(token)
	if s.session.Scope() != before {
		s.reset()
	}
	s.resubscribe()
}

// Logout forgets the credential, clears every cache and closes every chain.
func (s *Studio) Logout() {
	s.session.SignOut()
	s.reset()
	s.resubscribe()
}

func (s *Studio) reset() {
	s.records.Clear()
	s.groups.Clear()
	s.brands.Clear()
	s.chains.Reset()
}

// ScriptGroups returns the grouped library. refresh forces a fetch regardless of TTL.
// A failed fetch keeps the last good groups and reports the error in Err.
func (s *Studio) ScriptGroups(ctx context.Context, refresh bool, order grouping.Order) GroupsView {
	scope, err := s.scope()
	if err != nil {
		return GroupsView{Groups: []model.ScriptGroup{}, Err: err}
	}
	if order == "" {
		order = grouping.LatestFirst
	}
	signal := s.refreshSignal(refresh)

	res := s.groups.GetOrFetch(ctx, scope+"\x00"+string(order), s.ttl, signal, func(ctx context.Context) ([]model.ScriptGroup, error) {
		records, err := s.scripts(ctx, scope, signal)
		if err != nil {
			return nil, err
		}
		groups := grouping.Group(records, order)
		s.presign(ctx, groups)
		return groups, nil
	})

	view := GroupsView{Groups: res.Data, FetchedAt: res.Timestamp, Err: res.Err, Loading: s.records.Peek(scope).Loading}
	if view.Groups == nil {
		view.Groups = []model.ScriptGroup{}
	}
	view.Total = grouping.TotalScripts(view.Groups)
	return view
}

// BrandSummaries returns the brand/product hierarchy for the sidebar.
func (s *Studio) BrandSummaries(ctx context.Context, refresh bool) BrandsView {
	scope, err := s.scope()
	if err != nil {
		return BrandsView{Brands: []model.BrandSummary{}, Err: err}
	}
	signal := s.refreshSignal(refresh)

	res := s.brands.GetOrFetch(ctx, scope, s.ttl, signal, func(ctx context.Context) ([]model.BrandSummary, error) {
		records, err := s.scripts(ctx, scope, signal)
		if err != nil {
			return nil, err
		}
		groups := grouping.Group(records, grouping.BrandAlpha)
		s.presign(ctx, groups)
		return grouping.Hierarchy(groups), nil
	})

	view := BrandsView{Brands: res.Data, FetchedAt: res.Timestamp, Err: res.Err, Loading: s.records.Peek(scope).Loading}
	if view.Brands == nil {
		view.Brands = []model.BrandSummary{}
	}
	return view
}

// GroupScripts returns the scripts of one brand/product group, newest first.
func (s *Studio) GroupScripts(ctx context.Context, brand, product string, refresh bool) ScriptsView {
	view := ScriptsView{BrandName: brand, ProductName: product, Scripts: []model.ScriptRecord{}}
	scope, err := s.scope()
	if err != nil {
		view.Err = err
		return view
	}
	signal := s.refreshSignal(refresh)

	res := s.records.GetOrFetch(ctx, scope, s.ttl, signal, s.backend.ListScripts)
	view.Err = res.Err
	view.FetchedAt = res.Timestamp
	view.Loading = s.records.Peek(scope).Loading
	if res.HasData {
		view.Scripts = grouping.Filter(res.Data, brand, product)
	}
	return view
}

// VersionChain opens and loads the chain for id.
func (s *Studio) VersionChain(ctx context.Context, id string) (*chain.Chain, error) {
	if _, err := s.scope(); err != nil {
		return nil, err
	}
	c := s.chains.Chain(id)
	if err := c.Load(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// RefreshChain re-fetches an open chain, loading it first if needed.
func (s *Studio) RefreshChain(ctx context.Context, id string) (*chain.Chain, error) {
	if _, err := s.scope(); err != nil {
		return nil, err
	}
	c := s.chains.Chain(id)
	return c, c.Refresh(ctx)
}

// Generate submits d. On success the draft is cleared, a chain is seeded with the new
// script and every list view is invalidated.
func (s *Studio) Generate(ctx context.Context, d model.Draft) (*model.ScriptRecord, error) {
	scope, err := s.scope()
	if err != nil {
		return nil, err
	}
	rec, err := s.drafts.Submit(ctx, d, s.backend)
	if err != nil {
		return nil, err
	}
	s.chains.Seed(*rec)
	s.invalidate()
	s.publish(ctx, event.ScriptsChanged{Scope: scope, ScriptID: rec.ID, Reason: event.ReasonGenerated})
	return rec, nil
}

// Ready reports whether the draft store is reachable.
func (s *Studio) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close releases the bus subscription.
func (s *Studio) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// scripts reads the raw record list through its own cache entry.
func (s *Studio) scripts(ctx context.Context, scope string, signal cache.Signal) ([]model.ScriptRecord, error) {
	res := s.records.GetOrFetch(ctx, scope, s.ttl, signal, s.backend.ListScripts)
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Data, nil
}

func (s *Studio) scope() (string, error) {
	if !s.session.Authenticated() {
		return "", errordefs.New(errordefs.AUTH_REQUIRED, "sign in to load scripts", "")
	}
	return s.session.Scope(), nil
}

func (s *Studio) refreshSignal(refresh bool) cache.Signal {
	if refresh {
		return cache.Signal(s.signal.Add(1))
	}
	return cache.Signal(s.signal.Load())
}

func (s *Studio) presign(ctx context.Context, groups []model.ScriptGroup) {
	for i := range groups {
		g := &groups[i]
		for _, ref := range []*string{&g.ImageURL, &g.VideoURL} {
			if *ref == "" {
				continue
			}
			url, err := s.media.PreviewURL(ctx, *ref)
			if err != nil {
				s.logger.Debug("preview presign failed", "group", g.Key, "error", err)
				continue
			}
			*ref = url
		}
	}
}

func (s *Studio) invalidate() {
	s.records.InvalidateAll()
	s.groups.InvalidateAll()
	s.brands.InvalidateAll()
}

func (s *Studio) onChainEvent(ev chain.Event) {
	s.invalidate()
	reason := map[chain.EventKind]string{
		chain.EventRegenerated: event.ReasonRegenerated,
		chain.EventLiked:       event.ReasonLiked,
		chain.EventEdited:      event.ReasonEdited,
	}[ev.Kind]
	s.publish(context.Background(), event.ScriptsChanged{Scope: s.session.Scope(), ScriptID: ev.ScriptID, Reason: reason})
}

func (s *Studio) publish(ctx context.Context, ev event.ScriptsChanged) {
	if ev.Scope == "" {
		return
	}
	if err := s.bus.PublishScriptsChanged(ctx, ev); err != nil {
		s.logger.Warn("failed to publish invalidation", "script_id", ev.ScriptID, "reason", ev.Reason, "error", err)
	}
}

func (s *Studio) refreshOpenChain(c *chain.Chain) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Refresh(ctx); err != nil {
		s.logger.Debug("open chain refresh failed", "script_id", c.ID(), "error", err)
	}
}

// resubscribe follows the session scope on the bus.
func (s *Studio) resubscribe() {
	scope := s.session.Scope()
	s.mu.Lock()
	defer s.mu.Unlock()
	if scope == s.subscribed && s.unsubscribe != nil {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.subscribed = scope
	if scope == "" {
		return
	}
	unsub, err := s.bus.Subscribe(scope, func(ev event.ScriptsChanged) {
		s.logger.Debug("scripts changed elsewhere", "script_id", ev.ScriptID, "reason", ev.Reason)
		s.invalidate()
		if c, ok := s.chains.Lookup(ev.ScriptID); ok && ev.Reason != event.ReasonGenerated {
			go s.refreshOpenChain(c)
		}
	})
	if err != nil {
		s.logger.Warn("failed to subscribe to invalidations", "error", err)
		return
	}
	s.unsubscribe = unsub
}
