package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/cdesk/warehouse-gateway/internal/adapter/observability"
	"github.com/cdesk/warehouse-gateway/internal/config"
	"github.com/cdesk/warehouse-gateway/internal/domain"
	"github.com/cdesk/warehouse-gateway/internal/service/manager"
)

// Runner is the slice of the connection manager the application services
// dispatch warehouse work through.
type Runner interface {
	ExecuteTemplate(ctx context.Context, template string, params []any, opts manager.ExecOptions) (domain.QueryResult, error)
}

// InsightConfig bounds the per-customer read model.
type InsightConfig struct {
	// RingSize caps atoms held in memory per customer; oldest evicted.
	RingSize int
	// QueryLimit is the default and maximum read size.
	QueryLimit    int
	SweepInterval time.Duration
	// CacheTTL bounds context-cache entries; the cache itself may be nil.
	CacheTTL time.Duration
}

// DefaultInsightConfig returns the production defaults.
func DefaultInsightConfig() InsightConfig {
	return InsightConfig{
		RingSize:      100,
		QueryLimit:    100,
		SweepInterval: 5 * time.Minute,
		CacheTTL:      5 * time.Minute,
	}
}

func (c InsightConfig) withDefaults() InsightConfig {
	def := DefaultInsightConfig()
	if c.RingSize <= 0 {
		c.RingSize = def.RingSize
	}
	if c.QueryLimit <= 0 {
		c.QueryLimit = def.QueryLimit
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	return c
}

// RecordOptions carries the optional fields of one insight write.
type RecordOptions struct {
	ProvenanceHash string
	TTLSeconds     int64
}

// AggregateOp selects the numeric reduction applied by Aggregate.
type AggregateOp string

const (
	AggCount AggregateOp = "count"
	AggSum   AggregateOp = "sum"
	AggAvg   AggregateOp = "avg"
	AggMin   AggregateOp = "min"
	AggMax   AggregateOp = "max"
)

// TrendPoint is one day's aggregate over a customer's atoms.
type TrendPoint struct {
	Day   string  `json:"day"`
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// InsightStats is a point-in-time snapshot for admin views.
type InsightStats struct {
	Customers        int   `json:"customers"`
	Atoms            int   `json:"atoms"`
	Writes           int64 `json:"writes"`
	RingHits         int64 `json:"ring_hits"`
	CacheHits        int64 `json:"cache_hits"`
	WarehouseQueries int64 `json:"warehouse_queries"`
	SweptAtoms       int64 `json:"swept_atoms"`
}

// Store keeps a bounded per-customer ring of insight atoms in front of the
// warehouse. Writes go through the LOG_INSIGHT template before they become
// readable; reads prefer the ring, then the context cache, then the
// warehouse, repopulating both on the way back.
type Store struct {
	cfg    InsightConfig
	runner Runner
	cache  domain.ContextCache // nil disables the cache tier

	mu    sync.Mutex
	rings map[string]*customerRing

	writes     int64
	ringHits   int64
	cacheHits  int64
	warehouse  int64
	sweptAtoms int64

	flight       singleflight.Group
	done         chan struct{}
	sweepStopped chan struct{}
}

type customerRing struct {
	atoms []domain.InsightAtom // oldest first
}

// NewStore starts the TTL sweeper. cache may be nil.
func NewStore(runner Runner, cache domain.ContextCache, cfg InsightConfig) *Store {
	s := &Store{
		cfg:          cfg.withDefaults(),
		runner:       runner,
		cache:        cache,
		rings:        make(map[string]*customerRing),
		done:         make(chan struct{}),
		sweepStopped: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Record writes one atom through the warehouse and appends it to the
// customer's ring. The atom is only readable after the write succeeds.
func (s *Store) Record(ctx context.Context, customer, subject, metric string, value domain.InsightValue, opts RecordOptions) (string, error) {
	ctx, span := otel.Tracer("insight").Start(ctx, "Insight.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("insight.customer", customer),
		attribute.String("insight.subject", subject),
		attribute.String("insight.metric", metric),
	)

	if customer == "" || subject == "" || metric == "" {
		return "", fmt.Errorf("op=insight.Record: customer, subject and metric required: %w", domain.ErrInvalidArgument)
	}

	atom := domain.InsightAtom{
		AtomID:         ulid.Make().String(),
		CustomerID:     customer,
		Subject:        subject,
		Metric:         metric,
		Value:          value,
		ProvenanceHash: opts.ProvenanceHash,
		TS:             time.Now().UTC(),
		TTLSeconds:     opts.TTLSeconds,
	}
	valueJSON, err := json.Marshal(atom.Value)
	if err != nil {
		return "", fmt.Errorf("op=insight.Record: encode value: %w", err)
	}

	params := []any{atom.AtomID, customer, subject, metric, string(valueJSON)}
	if _, err := s.runner.ExecuteTemplate(ctx, config.TemplateLogInsight, params, manager.ExecOptions{}); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("op=insight.Record: %w", err)
	}

	s.mu.Lock()
	s.appendLocked(atom)
	s.writes++
	s.mu.Unlock()
	observability.RecordInsightWrite()
	return atom.AtomID, nil
}

// Query returns up to limit atoms for the customer, newest first, optionally
// narrowed by subject and metric. The ring answers when it holds enough
// matches; otherwise the context cache, then the warehouse, with concurrent
// identical reads collapsed to one statement.
func (s *Store) Query(ctx context.Context, customer, subject, metric string, limit int) ([]domain.InsightAtom, error) {
	ctx, span := otel.Tracer("insight").Start(ctx, "Insight.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("insight.customer", customer),
		attribute.String("insight.subject", subject),
		attribute.String("insight.metric", metric),
	)

	if customer == "" {
		return nil, fmt.Errorf("op=insight.Query: customer required: %w", domain.ErrInvalidArgument)
	}
	if limit <= 0 || limit > s.cfg.QueryLimit {
		limit = s.cfg.QueryLimit
	}
	now := time.Now()

	if atoms := s.ringRead(customer, subject, metric, limit, now); len(atoms) >= limit {
		s.mu.Lock()
		s.ringHits++
		s.mu.Unlock()
		return atoms, nil
	}

	key := fmt.Sprintf("insight:%s:%s:%s:%d", customer, subject, metric, limit)
	if cached, ok := s.cacheRead(ctx, key, now); ok {
		s.mu.Lock()
		s.cacheHits++
		s.mu.Unlock()
		return cached, nil
	}

	v, err, _ := s.flight.Do(key, func() (any, error) {
		return s.fetch(ctx, key, customer, subject, metric, limit)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("op=insight.Query: %w", err)
	}
	atoms := v.([]domain.InsightAtom)
	if len(atoms) > limit {
		atoms = atoms[:limit]
	}
	// Copy: singleflight shares one slice across collapsed callers.
	return append([]domain.InsightAtom(nil), atoms...), nil
}

// GetLatest returns the newest matching atom.
func (s *Store) GetLatest(ctx context.Context, customer, subject, metric string) (domain.InsightAtom, error) {
	atoms, err := s.Query(ctx, customer, subject, metric, 1)
	if err != nil {
		return domain.InsightAtom{}, err
	}
	if len(atoms) == 0 {
		return domain.InsightAtom{}, fmt.Errorf("op=insight.GetLatest: %s/%s/%s: %w", customer, subject, metric, domain.ErrNotFound)
	}
	return atoms[0], nil
}

// GetTrend buckets the last days of atoms by UTC day. Non-numeric values
// count with value 0, matching Aggregate.
func (s *Store) GetTrend(ctx context.Context, customer, subject, metric string, days int) ([]TrendPoint, error) {
	if days <= 0 {
		return nil, fmt.Errorf("op=insight.GetTrend: days must be positive: %w", domain.ErrInvalidArgument)
	}
	atoms, err := s.Query(ctx, customer, subject, metric, s.cfg.QueryLimit)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	buckets := make(map[string]*TrendPoint)
	for _, a := range atoms {
		if a.TS.Before(cutoff) {
			continue
		}
		day := a.TS.UTC().Format("2006-01-02")
		f, _ := a.Value.Float()
		p, ok := buckets[day]
		if !ok {
			buckets[day] = &TrendPoint{Day: day, Count: 1, Sum: f, Min: f, Max: f}
			continue
		}
		p.Count++
		p.Sum += f
		if f < p.Min {
			p.Min = f
		}
		if f > p.Max {
			p.Max = f
		}
	}

	out := make([]TrendPoint, 0, len(buckets))
	for _, p := range buckets {
		p.Avg = p.Sum / float64(p.Count)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

// Aggregate reduces matching atoms to one number. Non-numeric values coerce
// to 0 and still count toward avg's denominator.
func (s *Store) Aggregate(ctx context.Context, customer, subject, metric string, op AggregateOp) (float64, error) {
	atoms, err := s.Query(ctx, customer, subject, metric, s.cfg.QueryLimit)
	if err != nil {
		return 0, err
	}
	if op == AggCount {
		return float64(len(atoms)), nil
	}
	if len(atoms) == 0 {
		return 0, nil
	}

	first, _ := atoms[0].Value.Float()
	sum, min, max := 0.0, first, first
	for _, a := range atoms {
		f, _ := a.Value.Float()
		sum += f
		if f < min {
			min = f
		}
		if f > max {
			max = f
		}
	}
	switch op {
	case AggSum:
		return sum, nil
	case AggAvg:
		return sum / float64(len(atoms)), nil
	case AggMin:
		return min, nil
	case AggMax:
		return max, nil
	default:
		return 0, fmt.Errorf("op=insight.Aggregate: %q: %w", op, domain.ErrInvalidArgument)
	}
}

// Stats returns a snapshot of ring occupancy and tier counters.
func (s *Store) Stats() InsightStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	atoms := 0
	for _, r := range s.rings {
		atoms += len(r.atoms)
	}
	return InsightStats{
		Customers:        len(s.rings),
		Atoms:            atoms,
		Writes:           s.writes,
		RingHits:         s.ringHits,
		CacheHits:        s.cacheHits,
		WarehouseQueries: s.warehouse,
		SweptAtoms:       s.sweptAtoms,
	}
}

// Close stops the TTL sweeper.
func (s *Store) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	<-s.sweepStopped
}

// fetch is the warehouse tier: template selection, row decoding, ring and
// cache repopulation. Runs inside singleflight.
func (s *Store) fetch(ctx context.Context, key, customer, subject, metric string, limit int) ([]domain.InsightAtom, error) {
	template := config.TemplateInsightsByCustomer
	params := []any{customer, limit}
	filterMetric := ""
	switch {
	case subject != "" && metric != "":
		template = config.TemplateInsightsBySubjectMetric
		params = []any{customer, subject, metric, limit}
	case subject != "":
		template = config.TemplateInsightsBySubject
		params = []any{customer, subject, limit}
	case metric != "":
		// No metric-only template in the catalog; narrow locally.
		filterMetric = metric
	}

	res, err := s.runner.ExecuteTemplate(ctx, template, params, manager.ExecOptions{})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.warehouse++
	s.mu.Unlock()

	now := time.Now()
	atoms := make([]domain.InsightAtom, 0, len(res.Rows))
	for _, row := range res.Rows {
		atom, ok := rowToAtom(row)
		if !ok {
			slog.Warn("insight row dropped", slog.String("customer", customer))
			continue
		}
		if atom.Expired(now) {
			continue
		}
		if filterMetric != "" && atom.Metric != filterMetric {
			continue
		}
		atoms = append(atoms, atom)
	}

	s.merge(customer, atoms)
	s.cacheWrite(ctx, key, atoms)
	return atoms, nil
}

// ringRead filters the customer's ring newest-first, dropping expired atoms
// as it goes.
func (s *Store) ringRead(customer, subject, metric string, limit int, now time.Time) []domain.InsightAtom {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rings[customer]
	if r == nil {
		return nil
	}

	kept := r.atoms[:0]
	for _, a := range r.atoms {
		if !a.Expired(now) {
			kept = append(kept, a)
		}
	}
	r.atoms = kept

	out := make([]domain.InsightAtom, 0, limit)
	for i := len(r.atoms) - 1; i >= 0 && len(out) < limit; i-- {
		a := r.atoms[i]
		if subject != "" && a.Subject != subject {
			continue
		}
		if metric != "" && a.Metric != metric {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (s *Store) cacheRead(ctx context.Context, key string, now time.Time) ([]domain.InsightAtom, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var atoms []domain.InsightAtom
	if err := json.Unmarshal(data, &atoms); err != nil {
		slog.Warn("context cache entry unreadable", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	live := atoms[:0]
	for _, a := range atoms {
		if !a.Expired(now) {
			live = append(live, a)
		}
	}
	if len(live) == 0 {
		return nil, false
	}
	return live, true
}

func (s *Store) cacheWrite(ctx context.Context, key string, atoms []domain.InsightAtom) {
	if s.cache == nil || len(atoms) == 0 {
		return
	}
	data, err := json.Marshal(atoms)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.cfg.CacheTTL); err != nil {
		slog.Debug("context cache write skipped", slog.String("key", key), slog.Any("error", err))
	}
}

// appendLocked adds one atom at the ring's newest end, evicting the oldest
// when full.
func (s *Store) appendLocked(atom domain.InsightAtom) {
	r := s.rings[atom.CustomerID]
	if r == nil {
		r = &customerRing{atoms: make([]domain.InsightAtom, 0, s.cfg.RingSize)}
		s.rings[atom.CustomerID] = r
	}
	if len(r.atoms) >= s.cfg.RingSize {
		copy(r.atoms, r.atoms[1:])
		r.atoms[len(r.atoms)-1] = atom
		return
	}
	r.atoms = append(r.atoms, atom)
}

// merge folds warehouse reads into the ring, deduplicating by atom id and
// keeping time order with the newest at the tail.
func (s *Store) merge(customer string, atoms []domain.InsightAtom) {
	if len(atoms) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rings[customer]
	if r == nil {
		r = &customerRing{atoms: make([]domain.InsightAtom, 0, s.cfg.RingSize)}
		s.rings[customer] = r
	}
	seen := make(map[string]struct{}, len(r.atoms))
	for _, a := range r.atoms {
		seen[a.AtomID] = struct{}{}
	}
	for _, a := range atoms {
		if _, dup := seen[a.AtomID]; !dup {
			r.atoms = append(r.atoms, a)
		}
	}
	sort.SliceStable(r.atoms, func(i, j int) bool { return r.atoms[i].TS.Before(r.atoms[j].TS) })
	if len(r.atoms) > s.cfg.RingSize {
		r.atoms = append([]domain.InsightAtom(nil), r.atoms[len(r.atoms)-s.cfg.RingSize:]...)
	}
}

func (s *Store) sweepLoop() {
	defer close(s.sweepStopped)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep drops expired atoms and empty rings.
func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	removed := 0
	for customer, r := range s.rings {
		kept := r.atoms[:0]
		for _, a := range r.atoms {
			if a.Expired(now) {
				removed++
				continue
			}
			kept = append(kept, a)
		}
		r.atoms = kept
		if len(r.atoms) == 0 {
			delete(s.rings, customer)
		}
	}
	s.sweptAtoms += int64(removed)
	s.mu.Unlock()

	if removed > 0 {
		slog.Info("insight sweep", slog.Int("expired", removed))
	}
}

// rowToAtom decodes one warehouse row. Timestamps arrive as time.Time from
// the driver or as RFC 3339 text or unix milliseconds from older readers.
func rowToAtom(row domain.Row) (domain.InsightAtom, bool) {
	atom := domain.InsightAtom{
		AtomID:     stringField(row, "atom_id"),
		CustomerID: stringField(row, "customer_id"),
		Subject:    stringField(row, "subject"),
		Metric:     stringField(row, "metric"),
	}
	if atom.AtomID == "" || atom.CustomerID == "" {
		return domain.InsightAtom{}, false
	}
	atom.ProvenanceHash = stringField(row, "provenance_hash")

	switch v := row["value"].(type) {
	case nil:
	case string:
		var iv domain.InsightValue
		if err := iv.UnmarshalJSON([]byte(v)); err == nil {
			atom.Value = iv
		} else {
			atom.Value = domain.TextValue(v)
		}
	case []byte:
		var iv domain.InsightValue
		if err := iv.UnmarshalJSON(v); err == nil {
			atom.Value = iv
		} else {
			atom.Value = domain.TextValue(string(v))
		}
	default:
		atom.Value = domain.ValueOf(v)
	}

	switch ts := row["ts"].(type) {
	case time.Time:
		atom.TS = ts
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			atom.TS = parsed
		}
	case int64:
		atom.TS = time.UnixMilli(ts)
	case float64:
		atom.TS = time.UnixMilli(int64(ts))
	}

	switch ttl := row["ttl_seconds"].(type) {
	case int64:
		atom.TTLSeconds = ttl
	case int:
		atom.TTLSeconds = int64(ttl)
	case float64:
		atom.TTLSeconds = int64(ttl)
	}
	return atom, true
}

func stringField(row domain.Row, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}
