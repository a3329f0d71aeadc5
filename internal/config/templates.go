// Package config provides loading for the named SQL template catalog.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Template names the gateway resolves at startup. A catalog missing any of
// these is a fatal configuration error.
const (
	TemplateCheckHealth             = "CHECK_HEALTH"
	TemplateLogInsight              = "LOG_INSIGHT"
	TemplateLogProvenance           = "LOG_PROVENANCE"
	TemplateGetProvenance           = "GET_PROVENANCE"
	TemplateInsightsByCustomer      = "GET_INSIGHTS_BY_CUSTOMER"
	TemplateInsightsBySubject       = "GET_INSIGHTS_BY_SUBJECT"
	TemplateInsightsBySubjectMetric = "GET_INSIGHTS_BY_SUBJECT_METRIC"
)

var requiredTemplates = []string{
	TemplateCheckHealth,
	TemplateLogInsight,
	TemplateLogProvenance,
	TemplateGetProvenance,
	TemplateInsightsByCustomer,
	TemplateInsightsBySubject,
	TemplateInsightsBySubjectMetric,
}

// Templates maps catalog names to opaque SQL text.
type Templates map[string]string

// templatesYAML is the on-disk catalog shape.
type templatesYAML struct {
	Templates map[string]string `yaml:"templates"`
}

// Get returns the SQL for name or an error naming the missing entry.
func (t Templates) Get(name string) (string, error) {
	sql, ok := t[name]
	if !ok || sql == "" {
		return "", fmt.Errorf("op=config.Templates.Get: template %q not in catalog", name)
	}
	return sql, nil
}

// Names returns the catalog's template names, sorted.
func (t Templates) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultTemplates returns the compiled-in catalog.
func DefaultTemplates() Templates {
	return Templates{
		TemplateCheckHealth: `SELECT 1`,
		TemplateLogInsight: `INSERT INTO insight_atoms (atom_id, customer_id, subject, metric, value)
VALUES ($1, $2, $3, $4, $5)`,
		TemplateLogProvenance: `INSERT INTO query_provenance (hash, template_name, template_text, params_json, created_by)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (hash) DO NOTHING`,
		TemplateGetProvenance: `SELECT hash, template_name, template_text, params_json, created_by
FROM query_provenance WHERE hash = $1`,
		TemplateInsightsByCustomer: `SELECT atom_id, customer_id, subject, metric, value, provenance_hash, ts, ttl_seconds
FROM insight_atoms WHERE customer_id = $1 ORDER BY ts DESC LIMIT $2`,
		TemplateInsightsBySubject: `SELECT atom_id, customer_id, subject, metric, value, provenance_hash, ts, ttl_seconds
FROM insight_atoms WHERE customer_id = $1 AND subject = $2 ORDER BY ts DESC LIMIT $3`,
		TemplateInsightsBySubjectMetric: `SELECT atom_id, customer_id, subject, metric, value, provenance_hash, ts, ttl_seconds
FROM insight_atoms WHERE customer_id = $1 AND subject = $2 AND metric = $3 ORDER BY ts DESC LIMIT $4`,
	}
}

// LoadTemplates reads the YAML catalog at path and overlays it onto the
// compiled-in defaults. A missing file yields the defaults; a present file
// must parse, and the merged catalog must cover every required name.
func LoadTemplates(path string) (Templates, error) {
	merged := DefaultTemplates()
	if path != "" {
		content, err := os.ReadFile(path) // #nosec G304 -- operator-supplied catalog path
		switch {
		case os.IsNotExist(err):
			// defaults only
		case err != nil:
			return nil, fmt.Errorf("op=config.LoadTemplates: read %s: %w", path, err)
		default:
			var doc templatesYAML
			if err := yaml.Unmarshal(content, &doc); err != nil {
				return nil, fmt.Errorf("op=config.LoadTemplates: parse %s: %w", path, err)
			}
			for name, sql := range doc.Templates {
				merged[name] = sql
			}
		}
	}
	for _, name := range requiredTemplates {
		if merged[name] == "" {
			return nil, fmt.Errorf("op=config.LoadTemplates: catalog missing required template %q", name)
		}
	}
	return merged, nil
}
