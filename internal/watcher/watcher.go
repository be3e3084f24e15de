// Package watcher observes the input directory for arriving subband
// capture files and turns filesystem events into typed FileArrived
// events. The debounce/settle-window structure follows the fsnotify
// watcher goroutine pattern used elsewhere in the retrieved pack: a
// single run() goroutine consumes fsnotify events, and per-file settle
// timers run the settle check and emit events on their own goroutines,
// with the map of pending timers guarded by w.mu.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dsa110/contimg-ingestd/internal/corelog"
)

// filenameGrammar is the bit-exact capture filename regex: a normalized
// timestamp (T or _ as date/time separator, : or _ inside the time) plus
// a two-digit subband index.
var filenameGrammar = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}[T_]\d{2}[:_]\d{2}[:_]\d{2})_sb(\d{2})\.hdf5$`)

const (
	settleWindow    = 200 * time.Millisecond
	eventDebounce   = 50 * time.Millisecond
	errorRetryDelay = 2 * time.Second
)

// FileArrived is emitted once per stable, grammar-matching file.
type FileArrived struct {
	GroupID    string
	SubbandIdx int
	Path       string
	Size       int64
	ModTime    time.Time
}

// Status reports the watcher's health for the control plane.
type Status struct {
	Running bool
	Failed  bool
	Reason  string
}

// ParseFilename normalizes a capture filename into its group id and
// subband index, or reports no match for anything else (silently
// ignored per §4.1).
func ParseFilename(name string) (groupID string, subbandIdx int, ok bool) {
	m := filenameGrammar.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	ts := m[1]
	normalized := make([]byte, 0, len(ts))
	timePart := false
	for i := 0; i < len(ts); i++ {
		c := ts[i]
		if c == '_' {
			if !timePart {
				normalized = append(normalized, 'T')
				timePart = true
				continue
			}
			normalized = append(normalized, ':')
			continue
		}
		if c == 'T' {
			timePart = true
		}
		normalized = append(normalized, c)
	}
	var sb int
	if _, err := fmt.Sscanf(m[2], "%02d", &sb); err != nil {
		return "", 0, false
	}
	return string(normalized), sb, true
}

// Watcher monitors input_dir and emits FileArrived events on Events().
type Watcher struct {
	log           *corelog.Logger
	inputDir      string
	recursive     bool
	events        chan FileArrived
	statusc       chan Status
	done          chan struct{}
	wg            sync.WaitGroup

	mu       sync.Mutex
	settle   map[string]*time.Timer
	pending  map[string]struct{}
}

func New(log *corelog.Logger, inputDir string, recursive bool) *Watcher {
	if log == nil {
		log = corelog.NewNop()
	}
	return &Watcher{
		log:      log.With("component", "watcher"),
		inputDir: inputDir,
		recursive: recursive,
		events:   make(chan FileArrived, 1024),
		statusc:  make(chan Status, 8),
		done:     make(chan struct{}),
		settle:   make(map[string]*time.Timer),
		pending:  make(map[string]struct{}),
	}
}

func (w *Watcher) Events() <-chan FileArrived { return w.events }
func (w *Watcher) StatusUpdates() <-chan Status { return w.statusc }

// Start performs the recovery scan, then launches the fsnotify event loop
// as a background goroutine. It returns once the initial scan completes.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.scanExisting(); err != nil {
		return fmt.Errorf("watcher: initial scan: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: new fsnotify watcher: %w", err)
	}
	if err := w.addDir(fsw, w.inputDir); err != nil {
		fsw.Close()
		return fmt.Errorf("watcher: add %s: %w", w.inputDir, err)
	}

	w.wg.Add(1)
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) Stop() {
	close(w.done)
	w.wg.Wait()
}

func (w *Watcher) addDir(fsw *fsnotify.Watcher, dir string) error {
	if err := fsw.Add(dir); err != nil {
		return err
	}
	if !w.recursive {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == dir {
			return nil
		}
		return fsw.Add(path)
	})
}

func (w *Watcher) scanExisting() error {
	entries, err := os.ReadDir(w.inputDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			w.log.Warn("scan: stat failed", "name", e.Name(), "error", err)
			continue
		}
		w.emitIfMatches(filepath.Join(w.inputDir, e.Name()), info.Size(), info.ModTime())
	}
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fsw.Close()
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			w.debounce(ev.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("fsnotify error, retrying subscription", "error", err)
			w.statusc <- Status{Running: true, Failed: false, Reason: err.Error()}
			select {
			case <-time.After(errorRetryDelay):
			case <-ctx.Done():
				return
			case <-w.done:
				return
			}
			if rerr := w.addDir(fsw, w.inputDir); rerr != nil {
				w.log.Error("fsnotify re-subscribe failed", "error", rerr)
				w.statusc <- Status{Running: false, Failed: true, Reason: rerr.Error()}
			}
		}
	}
}

// debounce coalesces bursts of events for the same path within
// eventDebounce, then waits settleWindow for the file size to stop
// changing before emitting.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.settle[path]; ok {
		t.Stop()
	}
	w.settle[path] = time.AfterFunc(eventDebounce, func() { w.checkSettled(path, 0) })
}

func (w *Watcher) checkSettled(path string, attempt int) {
	info, err := os.Stat(path)
	if err != nil {
		return // removed before it settled; ignore
	}
	size := info.Size()
	time.AfterFunc(settleWindow, func() {
		info2, err := os.Stat(path)
		if err != nil {
			return
		}
		if info2.Size() != size && attempt < 10 {
			w.checkSettled(path, attempt+1)
			return
		}
		w.emitIfMatches(path, info2.Size(), info2.ModTime())
	})
}

func (w *Watcher) emitIfMatches(path string, size int64, modTime time.Time) {
	groupID, sb, ok := ParseFilename(filepath.Base(path))
	if !ok {
		return
	}
	// A settle timer started before Stop() can still fire after the event
	// channel is closed; recover rather than let a straggler panic the
	// process.
	defer func() { _ = recover() }()
	select {
	case w.events <- FileArrived{GroupID: groupID, SubbandIdx: sb, Path: path, Size: size, ModTime: modTime}:
	case <-w.done:
	}
}
