package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/mcp-streamable-go/mcp"
)

// FSResources exposes the regular files below a directory as resources.
// Symlinks are skipped and paths never leave the root.
type FSResources struct {
	root     string
	fsys     fs.FS
	baseURI  string
	pageSize int
	debounce time.Duration
	log      *slog.Logger

	notifier ChangeNotifier
}

// FSOption configures FSResources.
type FSOption func(*FSResources)

// WithBaseURI sets the URI prefix of listed resources. Defaults to "file://".
func WithBaseURI(base string) FSOption {
	return func(r *FSResources) { r.baseURI = strings.TrimRight(base, "/") }
}

// WithFSPageSize sets the resources/list page size. Defaults to 50.
func WithFSPageSize(n int) FSOption {
	return func(r *FSResources) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithChangeDebounce sets how long Watch waits for a burst of filesystem
// events to settle before signalling. Defaults to 250ms.
func WithChangeDebounce(d time.Duration) FSOption {
	return func(r *FSResources) { r.debounce = d }
}

// WithFSLogger sets the logger used by Watch.
func WithFSLogger(l *slog.Logger) FSOption {
	return func(r *FSResources) { r.log = l }
}

// NewFSResources serves the directory root. Symlinks in root itself are
// resolved once.
func NewFSResources(root string, opts ...FSOption) (*FSResources, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	fi, err := os.Stat(real)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	r := &FSResources{
		root:     real,
		fsys:     os.DirFS(real),
		baseURI:  "file://",
		pageSize: 50,
		debounce: 250 * time.Millisecond,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Register installs the resources/list handler on srv.
func (r *FSResources) Register(srv *Server) {
	srv.HandleFunc(string(mcp.ResourcesListMethod), r.handleList)
}

// Capability is the resources capability matching what FSResources supports.
func (r *FSResources) Capability() *mcp.ResourcesCapability {
	return &mcp.ResourcesCapability{ListChanged: true}
}

// Changes subscribes to list-changed signals produced by Watch.
func (r *FSResources) Changes() (<-chan struct{}, func()) { return r.notifier.Subscribe() }

func (r *FSResources) handleList(ctx context.Context, req *Request) (any, error) {
	var params struct {
		Cursor string `json:"cursor"`
	}
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	page := PageSlice(all, r.pageSize, params.Cursor)
	return &mcp.ListResourcesResult{Resources: page.Items, NextCursor: page.NextCursor}, nil
}

// List returns every visible file, ordered by URI.
func (r *FSResources) List(ctx context.Context) ([]mcp.Resource, error) {
	var out []mcp.Resource
	err := fs.WalkDir(r.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort listing
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || isSymlink(d) || !validFSPath(p) {
			return nil
		}
		out = append(out, mcp.Resource{
			URI:      r.relToURI(p),
			Name:     path.Base(p),
			MimeType: mime.TypeByExtension(strings.ToLower(path.Ext(p))),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

// Watch observes the directory tree with fsnotify and signals subscribers
// whenever files are created, removed or renamed. It blocks until ctx is
// done and then closes the notifier.
func (r *FSResources) Watch(ctx context.Context) error {
	defer r.notifier.Close()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() { _ = w.Close() }()

	err = filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return w.Add(p)
	})
	if err != nil {
		return fmt.Errorf("fsnotify add dirs: %w", err)
	}

	d := &debouncer{interval: r.debounce, fire: r.notifier.Notify}
	defer d.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				d.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				d.trigger()
			}
			r.log.WarnContext(ctx, "fsnotify.error", slog.String("err", err.Error()))
		}
	}
}

func isSymlink(d fs.DirEntry) bool {
	if d.Type()&fs.ModeSymlink != 0 {
		return true
	}
	if info, err := d.Info(); err == nil {
		return info.Mode()&fs.ModeSymlink != 0
	}
	return false
}

func validFSPath(p string) bool {
	return fs.ValidPath(p) && !strings.Contains(p, ":")
}

func (r *FSResources) relToURI(rel string) string {
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return r.baseURI + "/" + strings.Join(segs, "/")
}

type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	interval time.Duration
	fire     func()
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.interval <= 0 {
		d.fire()
		return
	}
	if d.timer == nil {
		d.timer = time.AfterFunc(d.interval, d.fire)
		return
	}
	d.timer.Reset(d.interval)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
