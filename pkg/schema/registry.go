package schema

import (
	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"gopkg.in/ini.v1"
)

// defaultSchema builds the schema appended to every registry: 7 days of minutely data,
// bundle width 40, avg aggregation, xff=1.0 -- matches rurouni/storage.py's
// module level `defaultSchema`.
func defaultSchema() *Schema {
	s, err := New("default", "", 1.0, "avg", []Archive{{SecPerPoint: 60, Count: 60 * 24 * 7}}, 600, 40, 1.0)
	if err != nil {
		panic("kenshin: default schema is invalid: " + err.Error())
	}
	return s
}

// Registry is an ordered list of schemas; the first pattern match wins, and
// a default schema (matching everything) always terminates the list.
type Registry struct {
	schemas []*Schema
	byName  map[string]*Schema
}

// GetByMetric scans the registry in order and returns the first schema whose
// pattern matches metric. Since the default schema always matches, this
// never fails to return a schema.
func (r *Registry) GetByMetric(metric string) *Schema {
	for _, s := range r.schemas {
		if s.Matches(metric) {
			return s
		}
	}
	return r.schemas[len(r.schemas)-1]
}

// GetByName looks a schema up by its section name, used to rehydrate bundles
// from the metric index at restart (spec §4.6 initCache).
func (r *Registry) GetByName(name string) (*Schema, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// All returns every schema in match order, default last.
func (r *Registry) All() []*Schema {
	return r.schemas
}

// LoadRegistry loads storage-schemas.conf: an ordered INI file of sections
// with pattern/xfilesfactor/aggregationmethod/retentions/cacheretention/
// metricsperfile keys (spec §6). A section that fails validation is logged
// and skipped rather than aborting the whole load, matching
// rurouni/storage.py's getSchema behavior when validate_archive_list fails.
func LoadRegistry(path string) (*Registry, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, err
	}

	r := &Registry{byName: make(map[string]*Schema)}

	for _, sec := range cfg.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}

		s, err := schemaFromSection(sec)
		if err != nil {
			cclog.Warnf("kenshin: skipping invalid schema section %q: %s", sec.Name(), err.Error())
			continue
		}

		r.schemas = append(r.schemas, s)
		r.byName[s.Name] = s
	}

	def := defaultSchema()
	r.schemas = append(r.schemas, def)
	r.byName[def.Name] = def

	return r, nil
}

func schemaFromSection(sec *ini.Section) (*Schema, error) {
	pattern := sec.Key("pattern").String()
	xff, err := sec.Key("xfilesfactor").Float64()
	if err != nil {
		return nil, err
	}

	aggName := sec.Key("aggregationmethod").String()

	archives, err := ParseRetentions(sec.Key("retentions").String())
	if err != nil {
		return nil, err
	}

	cacheRetention, err := ParseDuration(sec.Key("cacheretention").String())
	if err != nil {
		return nil, err
	}

	metricsMaxNum, err := sec.Key("metricsperfile").Int()
	if err != nil {
		return nil, err
	}

	cacheRatio := 1.2
	if k, err := sec.GetKey("cacheratio"); err == nil {
		cacheRatio, err = k.Float64()
		if err != nil {
			return nil, err
		}
	}

	return New(sec.Name(), pattern, float32(xff), aggName, archives, cacheRetention, metricsMaxNum, cacheRatio)
}
