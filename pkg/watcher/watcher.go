package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/kumarabd/gokit/logger"

	"github.com/kumarabd/scrub-worker/pkg/controlplane"
)

// Dispatcher receives detected files. Implemented by the pipeline orchestrator.
type Dispatcher interface {
	ProcessFile(ctx context.Context, path string)
	InflightCount() int
}

// Config contains configuration for the folder watcher.
type Config struct {
	Dir               string        `json:"dir" yaml:"dir" default:"/data/uploads"`
	SettleDelay       time.Duration `json:"settle_delay" yaml:"settle_delay" default:"500ms"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" default:"60s"`
}

// Watcher watches the upload folder and dispatches detected files to the
// orchestrator. Create and write events are debounced per path with a short
// settle delay so partially written uploads are read whole.
type Watcher struct {
	config       *Config
	log          *logger.Handler
	orchestrator Dispatcher
	plane        *controlplane.Client
	workerID     string

	fsw    *fsnotify.Watcher
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New creates a new folder watcher.
func New(config *Config, log *logger.Handler, orchestrator Dispatcher, plane *controlplane.Client) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		config:       config,
		log:          log,
		orchestrator: orchestrator,
		plane:        plane,
		workerID:     uuid.NewString(),
		fsw:          fsw,
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[string]*time.Timer),
	}, nil
}

// WorkerID returns this worker's identity used in heartbeat events.
func (w *Watcher) WorkerID() string {
	return w.workerID
}

// Start begins watching the configured directory, rescans files already
// present, and starts the heartbeat loop.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(w.config.Dir); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.watchLoop()
	go w.heartbeatLoop()

	w.rescan()

	w.log.Info().Str("dir", w.config.Dir).Msg("folder watcher started")
	return nil
}

// Stop stops the watcher and waits for its loops to exit. In-flight
// orchestrations complete on their own goroutines.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fsw.Close()
	w.wg.Wait()

	w.mu.Lock()
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	w.mu.Unlock()

	w.log.Info().Msg("folder watcher stopped")
	return err
}

// rescan treats files already present in the folder as detection events.
func (w *Watcher) rescan() {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		w.log.Warn().Err(err).Msg("startup rescan failed")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.schedule(filepath.Join(w.config.Dir, entry.Name()))
	}
}

// watchLoop consumes filesystem events until the watcher stops.
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
				w.schedule(event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watcher error")
		case <-w.ctx.Done():
			return
		}
	}
}

// schedule arms (or re-arms) the settle timer for a path; when it fires the
// file is handed to the orchestrator on its own goroutine.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, exists := w.pending[path]; exists {
		timer.Reset(w.config.SettleDelay)
		return
	}

	w.pending[path] = time.AfterFunc(w.config.SettleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		w.orchestrator.ProcessFile(w.ctx, path)
	})
}

// heartbeatLoop appends a worker_heartbeat audit event periodically.
func (w *Watcher) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.plane.AppendAudit("", controlplane.EventWorkerHeartbeat, controlplane.LevelInfo,
				controlplane.AuditMeta{
					"workerId": w.workerID,
					"inflight": w.orchestrator.InflightCount(),
				})
		case <-w.ctx.Done():
			return
		}
	}
}
