package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"shapecodec/internal/shape"
	"shapecodec/internal/shape/types"

	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
)

const (
	// Key prefixes for NATS KeyValue store
	keyPrefixShapes      = "shapes/"        // shapes/{name}/versions/{version}
	keyPrefixEnums       = "enums/"         // enums/{name}/versions/{version}
	keyPrefixOperations  = "operations/"    // operations/{name}
	keyGlobalConfig      = "config/global"  // global config
	keyPrefixShapeConfig = "config/shapes/" // config/shapes/{name}

	// Global names the catalog-wide compatibility setting
	Global = "global"

	// Latest selects the highest stored version
	Latest = "latest"

	defaultCompatibilityLevel = types.Backward

	// updates closer together than this are delivered as one change
	settleDelay = 50 * time.Millisecond
)

var (
	// ErrNotFound is returned when a name or version is not stored
	ErrNotFound = errors.New("not found")

	validName = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
)

// IncompatibleError reports a definition rejected by the compatibility check
type IncompatibleError struct {
	Name    string
	Version int
	Level   types.CompatibilityLevel
	Err     error
}

func (e *IncompatibleError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("incompatible with %s version %d under %s", e.Name, e.Version, e.Level)
	}
	return fmt.Sprintf("incompatible with %s version %d under %s: %v", e.Name, e.Version, e.Level, e.Err)
}

func (e *IncompatibleError) Unwrap() error {
	return e.Err
}

// ShapeVersion is one stored version of a structure shape
type ShapeVersion struct {
	Name    string      `json:"name"`
	Version int         `json:"version"`
	Shape   types.Shape `json:"shape"`
}

// EnumVersion is one stored version of an enum
type EnumVersion struct {
	Name    string          `json:"name"`
	Version int             `json:"version"`
	Enum    types.EnumShape `json:"enum"`
}

// Catalog stores versioned shape definitions in NATS KeyValue buckets
type Catalog struct {
	kvShapes nats.KeyValue
	kvConfig nats.KeyValue

	// serializes version assignment
	writeMu sync.Mutex

	mu          sync.RWMutex
	configCache map[string]types.CompatibilityLevel

	ready     chan struct{} // closed once a watch has replayed the store
	readyOnce sync.Once
}

// New creates a catalog over the given buckets
func New(kvShapes, kvConfig nats.KeyValue) *Catalog {
	return &Catalog{
		kvShapes:    kvShapes,
		kvConfig:    kvConfig,
		configCache: make(map[string]types.CompatibilityLevel),
		ready:       make(chan struct{}),
	}
}

// WaitReady waits until Watch has replayed the current contents
func (c *Catalog) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PutShape stores a new version of a structure and returns its version number.
// Content identical to the latest version returns that version unchanged.
func (c *Catalog) PutShape(s types.Shape) (int, error) {
	if err := checkName(s.Name); err != nil {
		return 0, err
	}
	for _, f := range s.Fields {
		if f.Name == "" {
			return 0, fmt.Errorf("shape %s: field name is empty", s.Name)
		}
		if !f.Kind.IsValid() {
			return 0, fmt.Errorf("shape %s field %s: unknown kind %q", s.Name, f.Name, f.Kind)
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	versions, err := c.versions(keyPrefixShapes, s.Name)
	if err != nil {
		return 0, err
	}

	if len(versions) > 0 {
		latest, err := c.shapeVersion(s.Name, versions[len(versions)-1])
		if err != nil {
			return 0, fmt.Errorf("get latest shape: %w", err)
		}
		if sameContent(latest.Shape, s) {
			return latest.Version, nil
		}

		level, err := c.GetCompatibilityLevel(s.Name)
		if err != nil {
			return 0, fmt.Errorf("get compatibility level: %w", err)
		}
		slog.Debug("Checking shape compatibility", "shape", s.Name, "latestVersion", latest.Version, "level", level)

		for _, v := range checkedVersions(versions, level) {
			old, err := c.shapeVersion(s.Name, v)
			if err != nil {
				return 0, fmt.Errorf("get shape version %d: %w", v, err)
			}
			ok, err := shape.CheckCompatibility(&old.Shape, &s, level)
			if err != nil || !ok {
				return 0, &IncompatibleError{Name: s.Name, Version: v, Level: level, Err: err}
			}
		}
	}

	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}
	record := ShapeVersion{Name: s.Name, Version: next, Shape: s}
	if err := c.put(versionKey(keyPrefixShapes, s.Name, next), record); err != nil {
		return 0, fmt.Errorf("store shape %s version %d: %w", s.Name, next, err)
	}
	slog.Debug("Stored shape", "shape", s.Name, "version", next)
	return next, nil
}

// PutEnum stores a new version of an enum and returns its version number
func (c *Catalog) PutEnum(e types.EnumShape) (int, error) {
	if err := checkName(e.Name); err != nil {
		return 0, err
	}
	if len(e.Values) == 0 {
		return 0, fmt.Errorf("enum %s has no values", e.Name)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	versions, err := c.versions(keyPrefixEnums, e.Name)
	if err != nil {
		return 0, err
	}

	if len(versions) > 0 {
		latest, err := c.enumVersion(e.Name, versions[len(versions)-1])
		if err != nil {
			return 0, fmt.Errorf("get latest enum: %w", err)
		}
		if sameContent(latest.Enum, e) {
			return latest.Version, nil
		}

		level, err := c.GetCompatibilityLevel(e.Name)
		if err != nil {
			return 0, fmt.Errorf("get compatibility level: %w", err)
		}
		for _, v := range checkedVersions(versions, level) {
			old, err := c.enumVersion(e.Name, v)
			if err != nil {
				return 0, fmt.Errorf("get enum version %d: %w", v, err)
			}
			ok, err := shape.CheckEnumCompatibility(&old.Enum, &e, level)
			if err != nil || !ok {
				return 0, &IncompatibleError{Name: e.Name, Version: v, Level: level, Err: err}
			}
		}
	}

	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}
	record := EnumVersion{Name: e.Name, Version: next, Enum: e}
	if err := c.put(versionKey(keyPrefixEnums, e.Name, next), record); err != nil {
		return 0, fmt.Errorf("store enum %s version %d: %w", e.Name, next, err)
	}
	return next, nil
}

// PutOperation stores an operation, replacing any previous definition
func (c *Catalog) PutOperation(op types.Operation) error {
	if err := checkName(op.Name); err != nil {
		return err
	}
	for _, es := range op.Errors {
		if es.Code == "" {
			return fmt.Errorf("operation %s: error shape without code", op.Name)
		}
	}
	if err := c.put(keyPrefixOperations+op.Name, op); err != nil {
		return fmt.Errorf("store operation %s: %w", op.Name, err)
	}
	return nil
}

// Import stores every definition of a document. Enums go first so that shapes
// referring to them are never stored ahead of them. All failures are reported
// together.
func (c *Catalog) Import(doc *types.Document) error {
	var result *multierror.Error
	for _, e := range doc.Enums {
		if _, err := c.PutEnum(e); err != nil {
			result = multierror.Append(result, fmt.Errorf("enum %s: %w", e.Name, err))
		}
	}
	for _, s := range doc.Shapes {
		if _, err := c.PutShape(s); err != nil {
			result = multierror.Append(result, fmt.Errorf("shape %s: %w", s.Name, err))
		}
	}
	for _, op := range doc.Operations {
		if err := c.PutOperation(op); err != nil {
			result = multierror.Append(result, fmt.Errorf("operation %s: %w", op.Name, err))
		}
	}
	slog.Debug("Imported document", "shapes", len(doc.Shapes), "enums", len(doc.Enums), "operations", len(doc.Operations))
	return result.ErrorOrNil()
}

// GetShape returns a stored shape version; version is a number or "latest"
func (c *Catalog) GetShape(name, version string) (*ShapeVersion, error) {
	v, err := c.resolveVersion(keyPrefixShapes, name, version)
	if err != nil {
		return nil, err
	}
	return c.shapeVersion(name, v)
}

// GetEnum returns a stored enum version; version is a number or "latest"
func (c *Catalog) GetEnum(name, version string) (*EnumVersion, error) {
	v, err := c.resolveVersion(keyPrefixEnums, name, version)
	if err != nil {
		return nil, err
	}
	return c.enumVersion(name, v)
}

// GetOperation returns a stored operation
func (c *Catalog) GetOperation(name string) (*types.Operation, error) {
	var op types.Operation
	if err := c.get(keyPrefixOperations+name, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Versions returns the stored versions of a shape in ascending order
func (c *Catalog) Versions(name string) ([]int, error) {
	versions, err := c.versions(keyPrefixShapes, name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("shape %s: %w", name, ErrNotFound)
	}
	return versions, nil
}

// EnumVersions returns the stored versions of an enum in ascending order
func (c *Catalog) EnumVersions(name string) ([]int, error) {
	versions, err := c.versions(keyPrefixEnums, name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("enum %s: %w", name, ErrNotFound)
	}
	return versions, nil
}

// DeleteShape removes every version of a shape and returns the deleted versions
func (c *Catalog) DeleteShape(name string) ([]int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	versions, err := c.versions(keyPrefixShapes, name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("shape %s: %w", name, ErrNotFound)
	}

	for _, v := range versions {
		key := versionKey(keyPrefixShapes, name, v)
		if err := c.kvShapes.Delete(key); err != nil {
			slog.Debug("DeleteShape: failed to delete version key", "key", key, "err", err)
			return nil, fmt.Errorf("delete version %d: %w", v, err)
		}
	}
	slog.Debug("Deleted shape", "shape", name, "versions", versions)
	return versions, nil
}

// DeleteShapeVersion removes one version of a shape
func (c *Catalog) DeleteShapeVersion(name, version string) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	v, err := c.resolveVersion(keyPrefixShapes, name, version)
	if err != nil {
		return 0, err
	}
	key := versionKey(keyPrefixShapes, name, v)
	if _, err := c.kvShapes.Get(key); err != nil {
		return 0, fmt.Errorf("shape %s version %d: %w", name, v, ErrNotFound)
	}
	if err := c.kvShapes.Delete(key); err != nil {
		return 0, fmt.Errorf("delete version: %w", err)
	}
	return v, nil
}

// DeleteOperation removes an operation
func (c *Catalog) DeleteOperation(name string) error {
	key := keyPrefixOperations + name
	if _, err := c.kvShapes.Get(key); err != nil {
		return fmt.Errorf("operation %s: %w", name, ErrNotFound)
	}
	return c.kvShapes.Delete(key)
}

// ListShapes returns the names of stored shapes in sorted order
func (c *Catalog) ListShapes() ([]string, error) {
	return c.names(keyPrefixShapes)
}

// ListEnums returns the names of stored enums in sorted order
func (c *Catalog) ListEnums() ([]string, error) {
	return c.names(keyPrefixEnums)
}

// ListOperations returns the names of stored operations in sorted order
func (c *Catalog) ListOperations() ([]string, error) {
	return c.names(keyPrefixOperations)
}

// GetCompatibilityLevel returns the level for a name, falling back to the
// global level and then to BACKWARD
func (c *Catalog) GetCompatibilityLevel(name string) (types.CompatibilityLevel, error) {
	c.mu.RLock()
	level, ok := c.configCache[name]
	if !ok {
		level, ok = c.configCache[Global]
	}
	c.mu.RUnlock()
	if ok {
		return level, nil
	}

	if name != Global {
		entry, err := c.kvConfig.Get(keyPrefixShapeConfig + name)
		if err == nil {
			level := types.CompatibilityLevel(entry.Value())
			c.cacheLevel(name, level)
			return level, nil
		}
		if !errors.Is(err, nats.ErrKeyNotFound) {
			return "", fmt.Errorf("get config for %s: %w", name, err)
		}
	}

	entry, err := c.kvConfig.Get(keyGlobalConfig)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return defaultCompatibilityLevel, nil
	}
	if err != nil {
		return "", fmt.Errorf("get global config: %w", err)
	}
	level = types.CompatibilityLevel(entry.Value())
	c.cacheLevel(Global, level)
	return level, nil
}

// SetCompatibilityLevel sets the level for a name, or for the whole catalog
// when name is "global"
func (c *Catalog) SetCompatibilityLevel(name string, level types.CompatibilityLevel) error {
	if !level.IsValid() {
		return fmt.Errorf("invalid compatibility level: %s", level)
	}

	key := keyGlobalConfig
	if name != Global {
		if err := checkName(name); err != nil {
			return err
		}
		key = keyPrefixShapeConfig + name
	}
	if _, err := c.kvConfig.Put(key, []byte(level)); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	c.cacheLevel(name, level)
	return nil
}

// Snapshot builds a frozen registry from the latest version of every stored
// shape and enum plus every stored operation
func (c *Catalog) Snapshot() (*shape.Registry, error) {
	doc, err := c.Document()
	if err != nil {
		return nil, err
	}
	r, err := shape.Build(doc)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	return r, nil
}

// Document returns the latest stored definitions as one document
func (c *Catalog) Document() (*types.Document, error) {
	doc := &types.Document{}

	enums, err := c.ListEnums()
	if err != nil {
		return nil, err
	}
	for _, name := range enums {
		e, err := c.GetEnum(name, Latest)
		if err != nil {
			return nil, fmt.Errorf("get enum %s: %w", name, err)
		}
		doc.Enums = append(doc.Enums, e.Enum)
	}

	shapes, err := c.ListShapes()
	if err != nil {
		return nil, err
	}
	for _, name := range shapes {
		s, err := c.GetShape(name, Latest)
		if err != nil {
			return nil, fmt.Errorf("get shape %s: %w", name, err)
		}
		doc.Shapes = append(doc.Shapes, s.Shape)
	}

	operations, err := c.ListOperations()
	if err != nil {
		return nil, err
	}
	for _, name := range operations {
		op, err := c.GetOperation(name)
		if err != nil {
			return nil, fmt.Errorf("get operation %s: %w", name, err)
		}
		doc.Operations = append(doc.Operations, *op)
	}
	return doc, nil
}

// Watch follows both buckets until ctx is done. Config updates refresh the
// compatibility cache; definition updates that arrive after the initial replay
// call onChange once they settle.
func (c *Catalog) Watch(ctx context.Context, onChange func()) error {
	shapeWatcher, err := c.kvShapes.WatchAll()
	if err != nil {
		return fmt.Errorf("watch shape updates: %w", err)
	}
	defer shapeWatcher.Stop()

	configWatcher, err := c.kvConfig.WatchAll()
	if err != nil {
		return fmt.Errorf("watch config updates: %w", err)
	}
	defer configWatcher.Stop()

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	replayed := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-shapeWatcher.Updates():
			if !ok {
				return fmt.Errorf("shape watcher closed")
			}
			if update == nil {
				replayed = true
				c.readyOnce.Do(func() { close(c.ready) })
				continue
			}
			if replayed {
				slog.Debug("Catalog updated", "key", update.Key(), "op", update.Operation())
				settle.Reset(settleDelay)
			}
		case update, ok := <-configWatcher.Updates():
			if !ok {
				return fmt.Errorf("config watcher closed")
			}
			if update != nil {
				c.handleConfigUpdate(update)
			}
		case <-settle.C:
			onChange()
		}
	}
}

func (c *Catalog) handleConfigUpdate(update nats.KeyValueEntry) {
	key := update.Key()

	var name string
	switch {
	case key == keyGlobalConfig:
		name = Global
	case strings.HasPrefix(key, keyPrefixShapeConfig):
		name = strings.TrimPrefix(key, keyPrefixShapeConfig)
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if update.Operation() != nats.KeyValuePut {
		delete(c.configCache, name)
		return
	}
	c.configCache[name] = types.CompatibilityLevel(update.Value())
}

func (c *Catalog) cacheLevel(name string, level types.CompatibilityLevel) {
	c.mu.Lock()
	c.configCache[name] = level
	c.mu.Unlock()
}

func (c *Catalog) shapeVersion(name string, version int) (*ShapeVersion, error) {
	var s ShapeVersion
	if err := c.get(versionKey(keyPrefixShapes, name, version), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Catalog) enumVersion(name string, version int) (*EnumVersion, error) {
	var e EnumVersion
	if err := c.get(versionKey(keyPrefixEnums, name, version), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Catalog) resolveVersion(prefix, name, version string) (int, error) {
	if version == Latest {
		versions, err := c.versions(prefix, name)
		if err != nil {
			return 0, err
		}
		if len(versions) == 0 {
			return 0, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return versions[len(versions)-1], nil
	}
	v, err := strconv.Atoi(version)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid version: %s", version)
	}
	return v, nil
}

// versions lists the version numbers stored under prefix{name}/versions/
func (c *Catalog) versions(prefix, name string) ([]int, error) {
	keys, err := c.keys()
	if err != nil {
		return nil, err
	}

	versionPrefix := prefix + name + "/versions/"
	var versions []int
	for _, key := range keys {
		if !strings.HasPrefix(key, versionPrefix) {
			continue
		}
		v, err := strconv.Atoi(strings.TrimPrefix(key, versionPrefix))
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

func (c *Catalog) names(prefix string) ([]string, error) {
	keys, err := c.keys()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	names := make([]string, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimPrefix(key, prefix), "/")
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (c *Catalog) keys() ([]string, error) {
	keys, err := c.kvShapes.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get keys: %w", err)
	}
	return keys, nil
}

func (c *Catalog) get(key string, v any) error {
	entry, err := c.kvShapes.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (c *Catalog) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = c.kvShapes.Put(key, data)
	return err
}

func versionKey(prefix, name string, version int) string {
	return fmt.Sprintf("%s%s/versions/%d", prefix, name, version)
}

// checkedVersions returns the versions a new definition is checked against
func checkedVersions(versions []int, level types.CompatibilityLevel) []int {
	if level.IsTransitive() {
		return versions
	}
	return versions[len(versions)-1:]
}

func sameContent(a, b any) bool {
	x, err := json.Marshal(a)
	if err != nil {
		return false
	}
	y, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(x, y)
}

func checkName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}
