// Package properties derives named key/value settings from decoded vagrant
// output: machine providers and states from `vagrant status`, the installed
// version from `vagrant version`, and plugin details from `vagrant plugin list`.
package properties

import (
	"sort"
	"strings"

	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/filter"
	"github.com/therealutkarshpriyadarshi/vagrantlog/pkg/types"
)

// DefaultNamespace prefixes every key unless the caller picks another
const DefaultNamespace = "vagrant"

// Properties maps namespaced keys to values
type Properties map[string]string

// Lookup returns the value for key and whether it was set
func (p Properties) Lookup(key string) (string, bool) {
	v, ok := p[key]
	return v, ok
}

// Keys returns the keys in lexical order
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge copies other into p, overwriting existing keys
func (p Properties) Merge(other Properties) {
	for k, v := range other {
		p[k] = v
	}
}

// Extractor builds Properties under a namespace
type Extractor struct {
	namespace string
}

// NewExtractor creates an extractor. An empty namespace leaves keys unprefixed.
func NewExtractor(namespace string) *Extractor {
	return &Extractor{namespace: namespace}
}

// Key joins the namespace and the non-empty parts with dots
func (e *Extractor) Key(parts ...string) string {
	segs := make([]string, 0, len(parts)+1)
	if e.namespace != "" {
		segs = append(segs, e.namespace)
	}
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, ".")
}

// Extract applies every rule to records. plugin-list is only set when at
// least one plugin-version record is present.
func (e *Extractor) Extract(records []types.Record) Properties {
	props := e.Status(records)

	if v, ok := Version(records); ok {
		props[e.Key("version")] = v
	}
	if v, ok := LatestVersion(records); ok {
		props[e.Key("version-latest")] = v
	}
	if len(filter.ByType(records, types.PluginVersion)) > 0 {
		props.Merge(e.Plugins(records))
	}

	return props
}

// Status maps provider-name and state records to <target>.provider and
// <target>.state. Records without a target describe no machine and are
// skipped, so these keys never collide with process-wide ones like version.
func (e *Extractor) Status(records []types.Record) Properties {
	props := make(Properties)
	for _, r := range records {
		if !r.Scoped() {
			continue
		}

		var suffix string
		switch r.Type {
		case types.ProviderName:
			suffix = "provider"
		case types.State:
			suffix = "state"
		default:
			continue
		}

		if v, ok := r.Field(0); ok {
			props[e.Key(r.Target, suffix)] = v
		}
	}
	return props
}

// Plugins maps plugin-version records, whose target is the plugin name, to
// plugin-version.<name> and plugin-scope.<name>. plugin-list is always set.
func (e *Extractor) Plugins(records []types.Record) Properties {
	props := make(Properties)
	var names []string

	for _, r := range filter.ByType(records, types.PluginVersion) {
		version, ok := r.Field(0)
		if !ok || r.Target == "" {
			continue
		}
		names = append(names, r.Target)
		props[e.Key("plugin-version", r.Target)] = version

		if scope, ok := r.Field(1); ok {
			props[e.Key("plugin-scope", r.Target)] = scope
		}
	}

	props[e.Key("plugin-list")] = strings.Join(names, ",")
	return props
}

// Version returns data[0] of the last version-installed record
func Version(records []types.Record) (string, bool) {
	return last(records, types.VersionInstalled)
}

// LatestVersion returns data[0] of the last version-latest record
func LatestVersion(records []types.Record) (string, bool) {
	return last(records, types.VersionLatest)
}

type found struct {
	value string
	ok    bool
}

func last(records []types.Record, t types.EventType) (string, bool) {
	res := filter.Fold(records, t, found{}, func(acc found, r types.Record) found {
		if v, ok := r.Field(0); ok && v != "" {
			return found{value: v, ok: true}
		}
		return acc
	})
	return res.value, res.ok
}

// Extract applies every rule under namespace
func Extract(records []types.Record, namespace string) Properties {
	return NewExtractor(namespace).Extract(records)
}
