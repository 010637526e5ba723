// Package registry stores, validates and runs user-supplied JavaScript
// crawlers inside a goja sandbox.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-crawler/internal/crawler"
	"github.com/JakeFAU/market-crawler/internal/identity"
	"github.com/JakeFAU/market-crawler/internal/pathguard"
)

// DefaultExecTimeout bounds one plugin run when Config leaves it unset.
const DefaultExecTimeout = time.Minute

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Config locates and bounds plugins.
type Config struct {
	Root        string
	ExecTimeout time.Duration
	// AllowFetch exposes fetch(url) to plugins.
	AllowFetch bool
	// FetchDelay paces plugin fetches like any other request.
	FetchDelay crawler.DelayWindow
}

// Deps carries optional collaborators. Client is needed only with AllowFetch.
type Deps struct {
	Client     crawler.FetchClient
	Identities *identity.Pool
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// Handle is a compiled crawler pinned to one descriptor version.
type Handle struct {
	Name    string
	Version int
	program *goja.Program
}

// Registry owns the catalog, the artifacts under Root and the loaded handles.
type Registry struct {
	cfg     Config
	deps    Deps
	root    *pathguard.Root
	logger  *zap.Logger
	catPath string

	mu      sync.RWMutex
	catalog map[string]Descriptor

	handlesMu sync.Mutex
	handles   map[string]*Handle
}

// New opens the registry at cfg.Root, creating it if needed. A catalog that
// cannot be decoded is an error rather than an empty registry.
func New(cfg Config, deps Deps) (*Registry, error) {
	root, err := pathguard.New(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("registry root: %w", err)
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	if cfg.AllowFetch && deps.Client == nil {
		return nil, fmt.Errorf("fetch client is required when plugin fetch is allowed")
	}
	if deps.Identities == nil {
		deps.Identities = identity.NewPool(nil)
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	catPath := filepath.Join(root.Dir(), CatalogFile)
	catalog, err := readCatalog(catPath)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		cfg:     cfg,
		deps:    deps,
		root:    root,
		logger:  deps.Logger.Named("registry"),
		catPath: catPath,
		catalog: catalog,
		handles: make(map[string]*Handle),
	}
	r.logger.Info("registry opened", zap.String("root", root.Dir()), zap.Int("crawlers", len(catalog)))
	return r, nil
}

// Add validates and stores a new crawler. It is enabled immediately.
func (r *Registry) Add(req AddRequest) Result {
	if !ValidName(req.Name) {
		return failure(CodeInvalidName, "invalid crawler name %q: use letters, digits and underscores", req.Name)
	}
	if _, err := compile(req.Name, req.Code); err != nil {
		return failure(CodeSyntaxError, "%v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.catalog[req.Name]; exists {
		return failure(CodeAlreadyExists, "crawler %q already exists", req.Name)
	}
	rel := req.Name + ".js"
	path, err := r.root.Resolve(rel)
	if err != nil {
		return failure(CodePathTraversal, "%v", err)
	}
	if err := writeAtomic(path, []byte(req.Code)); err != nil {
		return failure(CodeStorage, "save code: %v", err)
	}

	platform := req.Platform
	if platform == "" {
		platform = DefaultPlatform
	}
	now := r.deps.Clock.Now()
	d := Descriptor{
		Name:        req.Name,
		Description: req.Description,
		Platform:    platform,
		FilePath:    rel,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	r.catalog[d.Name] = d
	if err := writeCatalog(r.catPath, r.catalog); err != nil {
		delete(r.catalog, d.Name)
		_ = os.Remove(path)
		return failure(CodeStorage, "save catalog: %v", err)
	}

	r.logger.Info("crawler added", zap.String("crawler", d.Name), zap.String("platform", d.Platform))
	return success(fmt.Sprintf("crawler %q added", d.Name), &d)
}

// Update applies the non-nil fields of req. New code bumps the version and
// invalidates any loaded handle.
func (r *Registry) Update(name string, req UpdateRequest) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.catalog[name]
	if !ok {
		return failure(CodeNotFound, "crawler %q not found", name)
	}
	d := prev

	var restore func()
	if req.Code != nil {
		if _, err := compile(name, *req.Code); err != nil {
			return failure(CodeSyntaxError, "%v", err)
		}
		path, err := r.root.Resolve(d.FilePath)
		if err != nil {
			return failure(CodePathTraversal, "%v", err)
		}
		restore, err = r.snapshot(name, path)
		if err != nil {
			return failure(CodeStorage, "read code: %v", err)
		}
		if err := writeAtomic(path, []byte(*req.Code)); err != nil {
			return failure(CodeStorage, "save code: %v", err)
		}
		d.Version++
	}
	if req.Description != nil {
		d.Description = *req.Description
	}
	if req.Platform != nil {
		d.Platform = *req.Platform
	}
	if req.Enabled != nil {
		d.Enabled = *req.Enabled
	}
	d.UpdatedAt = r.deps.Clock.Now()

	r.catalog[name] = d
	if err := writeCatalog(r.catPath, r.catalog); err != nil {
		r.catalog[name] = prev
		if restore != nil {
			restore()
		}
		return failure(CodeStorage, "save catalog: %v", err)
	}
	if req.Code != nil {
		r.dropHandle(name)
	}

	r.logger.Info("crawler updated", zap.String("crawler", name), zap.Int("version", d.Version), zap.Bool("enabled", d.Enabled))
	return success(fmt.Sprintf("crawler %q updated", name), &d)
}

// snapshot captures the code at path and returns a func that puts it back.
func (r *Registry) snapshot(name, path string) (func(), error) {
	prev, err := os.ReadFile(path)
	missing := errors.Is(err, fs.ErrNotExist)
	if err != nil && !missing {
		return nil, err
	}
	return func() {
		var err error
		if missing {
			err = os.Remove(path)
		} else {
			err = writeAtomic(path, prev)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.logger.Error("restore code after failed update", zap.String("crawler", name), zap.Error(err))
		}
	}, nil
}

// Delete removes the crawler, its code file and any loaded handle.
func (r *Registry) Delete(name string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.catalog[name]
	if !ok {
		return failure(CodeNotFound, "crawler %q not found", name)
	}
	if path, err := r.root.Resolve(d.FilePath); err != nil {
		r.logger.Warn("code file outside root; leaving it in place", zap.String("crawler", name), zap.Error(err))
	} else if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return failure(CodeStorage, "remove code: %v", err)
	}

	delete(r.catalog, name)
	if err := writeCatalog(r.catPath, r.catalog); err != nil {
		r.catalog[name] = d
		return failure(CodeStorage, "save catalog: %v", err)
	}
	r.dropHandle(name)

	r.logger.Info("crawler deleted", zap.String("crawler", name))
	return success(fmt.Sprintf("crawler %q deleted", name), &d)
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.catalog[name]
	return d, ok
}

// List returns descriptors sorted by name.
func (r *Registry) List(filter ListFilter) []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.catalog))
	for _, d := range r.catalog {
		if filter.Platform != "" && d.Platform != filter.Platform {
			continue
		}
		if filter.EnabledOnly && !d.Enabled {
			continue
		}
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Code returns the stored source in Result.Output.
func (r *Registry) Code(name string) Result {
	d, ok := r.Get(name)
	if !ok {
		return failure(CodeNotFound, "crawler %q not found", name)
	}
	path, err := r.root.Resolve(d.FilePath)
	if err != nil {
		return failure(CodePathTraversal, "%v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return failure(CodeStorage, "read code: %v", err)
	}
	res := success("", &d)
	res.Output = string(data)
	return res
}

// Load returns the compiled handle for an enabled crawler, compiling it when
// no handle for the current version exists. Failures are logged.
func (r *Registry) Load(name string) (*Handle, bool) {
	d, ok := r.Get(name)
	if !ok || !d.Enabled {
		return nil, false
	}
	logger := r.logger.With(zap.String("crawler", name), zap.Int("version", d.Version))

	r.handlesMu.Lock()
	h, cached := r.handles[name]
	r.handlesMu.Unlock()
	if cached && h.Version == d.Version {
		return h, true
	}

	path, err := r.root.Resolve(d.FilePath)
	if err != nil {
		logger.Warn("refusing to load crawler outside root", zap.Error(err))
		return nil, false
	}
	src, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("read crawler code failed", zap.Error(err))
		return nil, false
	}
	program, err := compile(name, string(src))
	if err != nil {
		logger.Warn("compile crawler failed", zap.Error(err))
		return nil, false
	}
	if err := r.dryRun(name, program); err != nil {
		logger.Warn("crawler top level failed", zap.Error(err))
		return nil, false
	}

	h = &Handle{Name: name, Version: d.Version, program: program}
	r.handlesMu.Lock()
	if cur, ok := r.handles[name]; ok && cur.Version > h.Version {
		h = cur
	} else {
		r.handles[name] = h
	}
	r.handlesMu.Unlock()
	logger.Debug("crawler loaded")
	return h, true
}

func (r *Registry) dropHandle(name string) {
	r.handlesMu.Lock()
	delete(r.handles, name)
	r.handlesMu.Unlock()
}

// ValidName reports whether name is usable as a crawler name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

func compile(name, code string) (*goja.Program, error) {
	program, err := goja.Compile(name+".js", code, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return program, nil
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
