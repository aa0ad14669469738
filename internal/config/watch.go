package config

import (
	"strings"
	"sync/atomic"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/kenshin-tsdb/kenshin/internal/util"
	"github.com/kenshin-tsdb/kenshin/pkg/schema"
)

// SchemaWatcher hot-reloads storage-schemas.conf on write, swapping the
// registry that Registry returns. A registry already handed out (such as the
// one a cache.MetricCache was built with) is not replaced, so components
// holding it keep the schemas loaded at that time.
type SchemaWatcher struct {
	path    string
	current atomic.Pointer[schema.Registry]
}

// WatchSchemas loads path once, then registers a filesystem listener that
// reloads it on write (util.AddListener, spec §9's "keep as filesystem side
// effects but isolate behind an interface").
func WatchSchemas(path string) (*SchemaWatcher, error) {
	reg, err := schema.LoadRegistry(path)
	if err != nil {
		return nil, err
	}

	w := &SchemaWatcher{path: path}
	w.current.Store(reg)
	util.AddListener(path, w)
	return w, nil
}

// Registry returns the currently active schema registry.
func (w *SchemaWatcher) Registry() *schema.Registry {
	return w.current.Load()
}

func (w *SchemaWatcher) EventMatch(event string) bool {
	return strings.Contains(event, w.path) && strings.Contains(event, "WRITE")
}

func (w *SchemaWatcher) EventCallback() {
	reg, err := schema.LoadRegistry(w.path)
	if err != nil {
		cclog.Errorf("kenshin: reloading %s: %s", w.path, err)
		return
	}
	w.current.Store(reg)
	cclog.Infof("kenshin: reloaded %s", w.path)
}
