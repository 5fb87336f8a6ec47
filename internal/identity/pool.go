// Package identity manages the pool of rotating client identities: a
// fingerprint plus egress proxy per persona, scored by age, usage and idle
// time, rotated when a ceiling is crossed and retired once stale.
package identity

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YallaPapi/pubscrape-sub005/internal/clock/system"
	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
	"github.com/YallaPapi/pubscrape-sub005/internal/id/uuid"
	"github.com/YallaPapi/pubscrape-sub005/internal/metrics"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage/memory"
)

// Event is one entry of an identity's activity history.
type Event struct {
	At  time.Time `json:"at"`
	Tag string    `json:"tag"`
}

// RotationKind says how much of an identity a rotation replaced.
type RotationKind string

// Rotation kinds.
const (
	RotationNone    RotationKind = ""
	RotationPartial RotationKind = "partial"
	RotationFull    RotationKind = "full"
)

// Rotation records one rotation in the identity's bounded log.
type Rotation struct {
	At            time.Time    `json:"at"`
	Kind          RotationKind `json:"kind"`
	Reason        string       `json:"reason"`
	FromUserAgent string       `json:"from_user_agent"`
	ToUserAgent   string       `json:"to_user_agent"`
	FromProxy     string       `json:"from_proxy,omitempty"`
	ToProxy       string       `json:"to_proxy,omitempty"`
}

// Identity is one persona. It never leaves the pool except as a copy.
type Identity struct {
	ID           string      `json:"id"`
	HintKey      string      `json:"hint_key,omitempty"`
	Fingerprint  Fingerprint `json:"fingerprint"`
	ProxyURL     string      `json:"proxy_url,omitempty"`
	Region       string      `json:"region,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	LastUsedAt   time.Time   `json:"last_used_at"`
	RequestCount int         `json:"request_count"`
	Successes    int         `json:"successes"`
	Failures     int         `json:"failures"`
	History      []Event     `json:"history,omitempty"`
	Rotations    []Rotation  `json:"rotations,omitempty"`
}

func (i Identity) clone() Identity {
	i.History = append([]Event(nil), i.History...)
	i.Rotations = append([]Rotation(nil), i.Rotations...)
	return i
}

// Lease hands a worker what it needs to issue one request as an identity.
type Lease struct {
	Token       string       `json:"token"`
	IdentityID  string       `json:"identity_id"`
	HintKey     string       `json:"hint_key,omitempty"`
	Fingerprint Fingerprint  `json:"fingerprint"`
	ProxyURL    string       `json:"proxy_url,omitempty"`
	AcquiredAt  time.Time    `json:"acquired_at"`
	Rotated     RotationKind `json:"rotated,omitempty"`
}

// Summary is an identity together with its current health.
type Summary struct {
	Identity
	Health       float64 `json:"health"`
	ShouldRotate bool    `json:"should_rotate"`
}

// IDSource issues identity ids and lease tokens.
type IDSource interface {
	NewID() (string, error)
	NewToken() (string, error)
}

type entry struct {
	mu sync.Mutex
	id Identity
}

// Pool owns every identity. The table lock is taken exclusively to add or
// remove identities; other operations hold it shared and lock only the
// identity they touch.
type Pool struct {
	cfg    Config
	clock  governance.Clock
	ids    IDSource
	store  storage.Backend
	logger *zap.Logger

	randMu sync.Mutex
	rnd    *rand.Rand

	mu      sync.RWMutex
	entries map[string]*entry
	hints   map[string]string
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock overrides the wall clock.
func WithClock(c governance.Clock) Option { return func(p *Pool) { p.clock = c } }

// WithIDSource overrides id and token generation.
func WithIDSource(s IDSource) Option { return func(p *Pool) { p.ids = s } }

// WithStore persists identities to s.
func WithStore(s storage.Backend) Option { return func(p *Pool) { p.store = s } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(p *Pool) { p.logger = l } }

// WithRand sets the source for fingerprint draws.
func WithRand(r *rand.Rand) Option { return func(p *Pool) { p.rnd = r } }

// New creates an empty pool. Call Restore to load persisted identities.
func New(cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:     cfg,
		entries: make(map[string]*entry),
		hints:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.clock == nil {
		p.clock = system.New()
	}
	if p.ids == nil {
		p.ids = uuid.New()
	}
	if p.store == nil {
		p.store = memory.New()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.rnd == nil {
		if cfg.Seed != 0 {
			p.rnd = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
		} else {
			p.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	return p, nil
}

// Acquire leases an identity. With a hint the identity registered for that
// key is reused while healthy and rotated in place otherwise; without one
// the best pooled identity is used. A new identity is synthesized when
// nothing suitable exists, evicting the least healthy one if the pool is
// full.
func (p *Pool) Acquire(ctx context.Context, hint string) (Lease, error) {
	token, err := p.ids.NewToken()
	if err != nil {
		return Lease{}, fmt.Errorf("generate lease token: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()

	var e *entry
	if hint != "" {
		if id, ok := p.hints[hint]; ok {
			e = p.entries[id]
		}
	} else {
		e = p.best(now, nil)
	}
	if e != nil {
		return p.leaseExisting(ctx, e, token, now)
	}
	return p.leaseNew(ctx, hint, token, now)
}

// leaseExisting requires the exclusive table lock.
func (p *Pool) leaseExisting(ctx context.Context, e *entry, token string, now time.Time) (Lease, error) {
	next := e.id.clone()
	kind := RotationNone
	if reason := p.rotateReason(next, now); reason != "" {
		next = p.rotated(next, RotationFull, reason, now)
		kind = RotationFull
	} else if p.health(next, now) < *p.cfg.MinHealth {
		next = p.rotated(next, RotationFull, "unhealthy", now)
		kind = RotationFull
	}
	next = p.leased(next, now)
	if err := p.put(ctx, "lease", next); err != nil {
		return Lease{}, err
	}
	e.id = next
	if kind != RotationNone {
		metrics.ObserveRotation(true)
	}
	return p.lease(next, token, now, kind), nil
}

// leaseNew requires the exclusive table lock.
func (p *Pool) leaseNew(ctx context.Context, hint, token string, now time.Time) (Lease, error) {
	id, err := p.ids.NewID()
	if err != nil {
		return Lease{}, fmt.Errorf("generate identity id: %w", err)
	}
	ident := p.leased(p.fresh(id, hint, now), now)

	muts := make([]storage.Mutation, 0, 2)
	m, err := storage.PutJSON(storage.BucketIdentities, ident.ID, ident)
	if err != nil {
		return Lease{}, err
	}
	muts = append(muts, m)
	var victim *entry
	if len(p.entries) >= p.cfg.MaxIdentities {
		victim = p.worst(now)
		if victim != nil {
			muts = append(muts, storage.Delete(storage.BucketIdentities, victim.id.ID))
		}
	}
	if err := p.apply(ctx, "lease", muts...); err != nil {
		return Lease{}, err
	}
	if victim != nil {
		p.remove(victim.id)
		metrics.ObserveRetired(1)
		p.logger.Debug("identity evicted", zap.String("identity_id", victim.id.ID))
	}
	p.entries[ident.ID] = &entry{id: ident}
	if hint != "" {
		p.hints[hint] = ident.ID
	}
	p.logger.Debug("identity created",
		zap.String("identity_id", ident.ID),
		zap.String("hint", hint),
		zap.String("region", ident.Region),
	)
	return p.lease(ident, token, now, RotationNone), nil
}

func (p *Pool) lease(ident Identity, token string, now time.Time, kind RotationKind) Lease {
	return Lease{
		Token:       token,
		IdentityID:  ident.ID,
		HintKey:     ident.HintKey,
		Fingerprint: ident.Fingerprint,
		ProxyURL:    ident.ProxyURL,
		AcquiredAt:  now,
		Rotated:     kind,
	}
}

// ShouldRotate reports whether the identity has crossed its age, usage or
// idle ceiling.
func (p *Pool) ShouldRotate(id string) (bool, error) {
	ident, err := p.get(id)
	if err != nil {
		return false, err
	}
	return p.rotateReason(ident, p.clock.Now()) != "", nil
}

// Rotate replaces the identity's fingerprint and proxy (full) or only its
// user agent and proxy with a small viewport jitter (partial).
func (p *Pool) Rotate(ctx context.Context, id string, full bool) error {
	kind := RotationPartial
	if full {
		kind = RotationFull
	}
	return p.update(ctx, id, "rotate", func(ident Identity, now time.Time) (Identity, RotationKind) {
		return p.rotated(ident, kind, "requested", now), kind
	})
}

// RecordOutcome appends a fetch outcome to the identity's history. Captcha
// and block responses burn the identity and trigger a full rotation; rate
// limiting triggers a partial one. The rotation applied is returned.
func (p *Pool) RecordOutcome(ctx context.Context, id string, out governance.Outcome) (RotationKind, error) {
	kind := RotationNone
	if !out.Success {
		switch out.ErrorKind {
		case governance.ErrorKindCaptcha, governance.ErrorKindBlocked:
			kind = RotationFull
		case governance.ErrorKindRateLimited:
			kind = RotationPartial
		}
	}
	err := p.update(ctx, id, "outcome", func(ident Identity, now time.Time) (Identity, RotationKind) {
		tag := "success"
		if out.Success {
			ident.Successes++
		} else {
			ident.Failures++
			tag = "failure:" + string(out.ErrorKind)
		}
		ident.History = appendBounded(ident.History, Event{At: now, Tag: tag}, p.cfg.HistorySize)
		if kind != RotationNone {
			ident = p.rotated(ident, kind, string(out.ErrorKind), now)
		}
		return ident, kind
	})
	if err != nil {
		return RotationNone, err
	}
	if kind != RotationNone {
		p.logger.Info("identity rotated after outcome",
			zap.String("identity_id", id),
			zap.String("kind", string(kind)),
			zap.String("error_kind", string(out.ErrorKind)),
		)
	}
	return kind, nil
}

// update applies fn to a copy of the identity, persists the result and only
// then commits it.
func (p *Pool) update(ctx context.Context, id, op string, fn func(Identity, time.Time) (Identity, RotationKind)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	if !ok {
		return fmt.Errorf("identity %s: %w", id, governance.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next, kind := fn(e.id.clone(), p.clock.Now())
	if err := p.put(ctx, op, next); err != nil {
		return err
	}
	e.id = next
	if kind != RotationNone {
		metrics.ObserveRotation(kind == RotationFull)
	}
	return nil
}

// HealthScore returns 0.4*age + 0.4*usage + 0.2*idle, each term decaying
// linearly from 1 to 0 at its ceiling.
func (p *Pool) HealthScore(id string) (float64, error) {
	ident, err := p.get(id)
	if err != nil {
		return 0, err
	}
	return p.health(ident, p.clock.Now()), nil
}

// SelectBest returns the healthiest identity not in exclude whose score
// reaches the minimum usability threshold.
func (p *Pool) SelectBest(exclude []string) (Identity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e := p.best(p.clock.Now(), exclude)
	if e == nil {
		return Identity{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id.clone(), true
}

// best requires at least the shared table lock.
func (p *Pool) best(now time.Time, exclude []string) *entry {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	var (
		winner *entry
		score  float64
		winID  string
	)
	for id, e := range p.entries {
		if _, ok := skip[id]; ok {
			continue
		}
		e.mu.Lock()
		h := p.health(e.id, now)
		e.mu.Unlock()
		if h < *p.cfg.MinHealth {
			continue
		}
		if winner == nil || h > score || (h == score && id < winID) {
			winner, score, winID = e, h, id
		}
	}
	return winner
}

// worst requires the exclusive table lock.
func (p *Pool) worst(now time.Time) *entry {
	var (
		loser *entry
		score float64
	)
	for _, e := range p.entries {
		h := p.health(e.id, now)
		if loser == nil || h < score || (h == score && e.id.ID < loser.id.ID) {
			loser, score = e, h
		}
	}
	return loser
}

// Sweep retires identities whose age or idle time exceeds RetireAfter.
func (p *Pool) Sweep(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()

	var victims []Identity
	for _, e := range p.entries {
		if now.Sub(e.id.CreatedAt) > p.cfg.RetireAfter || now.Sub(lastActive(e.id)) > p.cfg.RetireAfter {
			victims = append(victims, e.id)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}
	muts := make([]storage.Mutation, 0, len(victims))
	for _, v := range victims {
		muts = append(muts, storage.Delete(storage.BucketIdentities, v.ID))
	}
	if err := p.apply(ctx, "sweep", muts...); err != nil {
		return 0, err
	}
	for _, v := range victims {
		p.remove(v)
	}
	metrics.ObserveRetired(len(victims))
	p.logger.Info("stale identities retired", zap.Int("count", len(victims)))
	return len(victims), nil
}

// Identities returns every identity with its health, ordered by id.
func (p *Pool) Identities() []Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := p.clock.Now()
	out := make([]Summary, 0, len(p.entries))
	for _, e := range p.entries {
		e.mu.Lock()
		out = append(out, Summary{
			Identity:     e.id.clone(),
			Health:       p.health(e.id, now),
			ShouldRotate: p.rotateReason(e.id, now) != "",
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of pooled identities.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func (p *Pool) get(id string) (Identity, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	if !ok {
		return Identity{}, fmt.Errorf("identity %s: %w", id, governance.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id.clone(), nil
}

// remove requires the exclusive table lock.
func (p *Pool) remove(ident Identity) {
	delete(p.entries, ident.ID)
	if ident.HintKey != "" && p.hints[ident.HintKey] == ident.ID {
		delete(p.hints, ident.HintKey)
	}
}

func (p *Pool) rotateReason(ident Identity, now time.Time) string {
	switch {
	case now.Sub(ident.CreatedAt) > p.cfg.MaxAge:
		return "max_age"
	case ident.RequestCount > p.cfg.MaxUses:
		return "max_uses"
	case now.Sub(lastActive(ident)) > p.cfg.MaxIdle:
		return "max_idle"
	}
	return ""
}

func (p *Pool) health(ident Identity, now time.Time) float64 {
	age := decay(float64(now.Sub(ident.CreatedAt)), float64(p.cfg.MaxAge))
	usage := decay(float64(ident.RequestCount), float64(p.cfg.MaxUses))
	idle := decay(float64(now.Sub(lastActive(ident))), float64(p.cfg.MaxIdle))
	return 0.4*age + 0.4*usage + 0.2*idle
}

func decay(v, ceiling float64) float64 {
	if ceiling <= 0 {
		return 0
	}
	return min(1, max(0, 1-v/ceiling))
}

func lastActive(ident Identity) time.Time {
	if ident.LastUsedAt.After(ident.CreatedAt) {
		return ident.LastUsedAt
	}
	return ident.CreatedAt
}

func (p *Pool) fresh(id, hint string, now time.Time) Identity {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	proxy, _ := pickProxy(p.rnd, p.cfg.Proxies, "", "")
	return Identity{
		ID:          id,
		HintKey:     hint,
		Fingerprint: synthesize(p.rnd, proxy.Region),
		ProxyURL:    proxy.URL,
		Region:      proxy.Region,
		CreatedAt:   now,
	}
}

func (p *Pool) leased(ident Identity, now time.Time) Identity {
	ident.RequestCount++
	ident.LastUsedAt = now
	ident.History = appendBounded(ident.History, Event{At: now, Tag: "lease"}, p.cfg.HistorySize)
	return ident
}

// rotated returns ident with a new persona. A full rotation redraws
// everything and restarts the identity's age and usage; it retries the draw
// a few times so the user agent or proxy actually changes. A partial one
// keeps the platform and locale.
func (p *Pool) rotated(ident Identity, kind RotationKind, reason string, now time.Time) Identity {
	p.randMu.Lock()
	defer p.randMu.Unlock()

	rec := Rotation{
		At:            now,
		Kind:          kind,
		Reason:        reason,
		FromUserAgent: ident.Fingerprint.UserAgent,
		FromProxy:     ident.ProxyURL,
	}
	if kind == RotationFull {
		var (
			proxy ProxyConfig
			fp    Fingerprint
		)
		for range 16 {
			proxy, _ = pickProxy(p.rnd, p.cfg.Proxies, ident.ProxyURL, "")
			fp = synthesize(p.rnd, proxy.Region)
			if fp.UserAgent != ident.Fingerprint.UserAgent || proxy.URL != ident.ProxyURL {
				break
			}
		}
		ident.Fingerprint = fp
		ident.ProxyURL = proxy.URL
		ident.Region = proxy.Region
		ident.CreatedAt = now
		ident.LastUsedAt = time.Time{}
		ident.Successes = 0
		ident.Failures = 0
		ident.History = nil
	} else {
		if proxy, ok := pickProxy(p.rnd, p.cfg.Proxies, ident.ProxyURL, ident.Region); ok {
			ident.ProxyURL = proxy.URL
			ident.Region = proxy.Region
		}
		ident.Fingerprint = perturb(p.rnd, ident.Fingerprint, p.cfg.ViewportJitter)
	}
	ident.RequestCount = 0
	rec.ToUserAgent = ident.Fingerprint.UserAgent
	rec.ToProxy = ident.ProxyURL
	ident.Rotations = appendBounded(ident.Rotations, rec, p.cfg.RotationLogSize)
	ident.History = appendBounded(ident.History, Event{At: now, Tag: "rotate:" + string(kind)}, p.cfg.HistorySize)
	return ident
}

func appendBounded[T any](s []T, v T, limit int) []T {
	limit = max(1, limit)
	start := max(0, len(s)+1-limit)
	out := make([]T, 0, len(s)-start+1)
	out = append(out, s[start:]...)
	return append(out, v)
}

func (p *Pool) put(ctx context.Context, op string, ident Identity) error {
	m, err := storage.PutJSON(storage.BucketIdentities, ident.ID, ident)
	if err != nil {
		return err
	}
	return p.apply(ctx, op, m)
}

func (p *Pool) apply(ctx context.Context, op string, muts ...storage.Mutation) error {
	if err := p.store.Apply(ctx, muts...); err != nil {
		metrics.ObservePersistenceError("identity_" + op)
		p.logger.Error("identity persistence failed", zap.String("op", op), zap.Error(err))
		return governance.Persistence("identity "+op, err)
	}
	return nil
}
