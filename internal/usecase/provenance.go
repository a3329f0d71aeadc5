package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cdesk/warehouse-gateway/internal/adapter/observability"
	"github.com/cdesk/warehouse-gateway/internal/config"
	"github.com/cdesk/warehouse-gateway/internal/domain"
	"github.com/cdesk/warehouse-gateway/internal/service/manager"
)

const (
	defaultProvenanceCapacity = 1000
	provenanceHashLen         = 16
)

// ProvenanceHash fingerprints a statement and its parameters: SHA-256 over
// the whitespace-normalized template text concatenated with the canonical
// (sorted-key) JSON of the params, truncated to 16 hex characters. The same
// statement always yields the same hash regardless of template formatting or
// map key order.
func ProvenanceHash(template string, params []any) string {
	norm := normalizeSQL(template)
	canon := canonicalParams(params)
	sum := sha256.Sum256([]byte(norm + canon))
	return hex.EncodeToString(sum[:])[:provenanceHashLen]
}

// normalizeSQL collapses every whitespace run to a single space and trims.
func normalizeSQL(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// canonicalParams renders params as JSON. encoding/json writes map keys in
// sorted order, which is exactly the canonical form needed here.
func canonicalParams(params []any) string {
	if len(params) == 0 {
		return "[]"
	}
	data, err := json.Marshal(params)
	if err != nil {
		// Unmarshalable params still need a stable form.
		return fmt.Sprintf("%v", params)
	}
	return string(data)
}

// ProvenanceRecord is one audit row linking a hash back to the statement
// that produced it.
type ProvenanceRecord struct {
	Hash         string `json:"hash"`
	TemplateName string `json:"template_name"`
	TemplateText string `json:"template_text"`
	ParamsJSON   string `json:"params_json"`
	CreatedBy    string `json:"created_by"`
}

// ProvenanceStats is a point-in-time snapshot for admin views.
type ProvenanceStats struct {
	Cached    int   `json:"cached"`
	Capacity  int   `json:"capacity"`
	Writes    int64 `json:"writes"`
	CacheHits int64 `json:"cache_hits"`
	Evicted   int64 `json:"evicted"`
}

// Provenance records statement fingerprints through the warehouse, skipping
// hashes it has already written. The skip cache is bounded; overflow evicts
// the oldest fifth.
type Provenance struct {
	runner    Runner
	templates config.Templates
	capacity  int

	mu      sync.Mutex
	seen    map[string]struct{}
	order   []string
	writes  int64
	hits    int64
	evicted int64
}

// NewProvenance builds the tracker. capacity <= 0 uses the default of 1000.
func NewProvenance(runner Runner, templates config.Templates, capacity int) *Provenance {
	if capacity <= 0 {
		capacity = defaultProvenanceCapacity
	}
	return &Provenance{
		runner:    runner,
		templates: templates,
		capacity:  capacity,
		seen:      make(map[string]struct{}),
	}
}

// Store fingerprints the named template with params and writes the audit
// row via LOG_PROVENANCE. Re-storing a known hash is a cache hit and issues
// no statement. createdBy names the caller, typically a query tag.
func (p *Provenance) Store(ctx context.Context, templateName string, params []any, createdBy string) (string, error) {
	text, err := p.templates.Get(templateName)
	if err != nil {
		return "", fmt.Errorf("op=provenance.Store: %w", err)
	}
	hash := ProvenanceHash(text, params)

	p.mu.Lock()
	if _, ok := p.seen[hash]; ok {
		p.hits++
		p.mu.Unlock()
		return hash, nil
	}
	p.mu.Unlock()

	row := []any{hash, templateName, normalizeSQL(text), canonicalParams(params), createdBy}
	if _, err := p.runner.ExecuteTemplate(ctx, config.TemplateLogProvenance, row, manager.ExecOptions{}); err != nil {
		return "", fmt.Errorf("op=provenance.Store: %w", err)
	}

	p.mu.Lock()
	if _, ok := p.seen[hash]; !ok {
		if len(p.seen) >= p.capacity {
			p.evictLocked()
		}
		p.seen[hash] = struct{}{}
		p.order = append(p.order, hash)
	}
	p.writes++
	p.mu.Unlock()

	observability.RecordProvenanceWrite()
	return hash, nil
}

// Get reads one audit row back by hash.
func (p *Provenance) Get(ctx context.Context, hash string) (ProvenanceRecord, error) {
	if len(hash) != provenanceHashLen {
		return ProvenanceRecord{}, fmt.Errorf("op=provenance.Get: malformed hash %q: %w", hash, domain.ErrInvalidArgument)
	}
	res, err := p.runner.ExecuteTemplate(ctx, config.TemplateGetProvenance, []any{hash}, manager.ExecOptions{})
	if err != nil {
		return ProvenanceRecord{}, fmt.Errorf("op=provenance.Get: %w", err)
	}
	if len(res.Rows) == 0 {
		return ProvenanceRecord{}, fmt.Errorf("op=provenance.Get: %s: %w", hash, domain.ErrNotFound)
	}
	row := res.Rows[0]
	return ProvenanceRecord{
		Hash:         stringField(row, "hash"),
		TemplateName: stringField(row, "template_name"),
		TemplateText: stringField(row, "template_text"),
		ParamsJSON:   stringField(row, "params_json"),
		CreatedBy:    stringField(row, "created_by"),
	}, nil
}

// Stats returns a snapshot of the skip cache.
func (p *Provenance) Stats() ProvenanceStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProvenanceStats{
		Cached:    len(p.seen),
		Capacity:  p.capacity,
		Writes:    p.writes,
		CacheHits: p.hits,
		Evicted:   p.evicted,
	}
}

// evictLocked drops the oldest fifth of the cache.
func (p *Provenance) evictLocked() {
	n := p.capacity / 5
	if n < 1 {
		n = 1
	}
	if n > len(p.order) {
		n = len(p.order)
	}
	for _, h := range p.order[:n] {
		delete(p.seen, h)
	}
	p.order = append([]string(nil), p.order[n:]...)
	p.evicted += int64(n)
}
