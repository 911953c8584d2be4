// Package monitor serves snapshots of the API monitor trace of a running
// session. Every poll re-reads the whole trace; there is no cursor and a
// consumer may see the same records many times.
package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"dynamon/internal/config"
	"dynamon/internal/target"
	"dynamon/internal/tracelog"

	"go.uber.org/zap"
)

// Snapshot messages.
const (
	MessageInvalid  = "Invalid Parameters"
	MessageNoData   = "Data does not exist."
	MessageReadFail = "Error in API monitor streaming"
)

// Snapshot statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Snapshot is the answer to one poll.
type Snapshot struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Data    []tracelog.Record `json:"data,omitempty"`
}

// NoData reports whether the trace has not been created yet.
func (s Snapshot) NoData() bool {
	return s.Status == StatusFailed && s.Message == MessageNoData
}

// Monitor reads trace logs under the configured upload directory.
type Monitor struct {
	storage  config.StorageConfig
	interval time.Duration
	debounce time.Duration
	log      *zap.Logger
}

// New creates a monitor.
func New(cfg *config.Config, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		storage:  cfg.Storage,
		interval: cfg.GetPollInterval(),
		debounce: cfg.GetDebounce(),
		log:      log,
	}
}

func (m *Monitor) tracePath(hash string) string {
	return filepath.Join(m.storage.AppDir(hash), tracelog.APIMonitorFile)
}

// Poll returns the records captured so far for the app with the given hash.
func (m *Monitor) Poll(hash string) Snapshot {
	if !target.IsMD5(hash) {
		return Snapshot{Status: StatusFailed, Message: MessageInvalid}
	}

	records, err := tracelog.Read(m.tracePath(hash))
	if err != nil {
		if errors.Is(err, tracelog.ErrNoData) {
			return Snapshot{Status: StatusFailed, Message: MessageNoData}
		}
		m.log.Error("API monitor streaming", zap.String("hash", hash), zap.Error(err))
		return Snapshot{Status: StatusFailed, Message: MessageReadFail}
	}
	return Snapshot{Status: StatusOK, Data: records}
}

// Follow polls immediately, then again whenever the trace file changes and
// at least once per poll interval, until ctx is done. Each call to fn gets a
// full snapshot.
func (m *Monitor) Follow(ctx context.Context, hash string, fn func(Snapshot)) error {
	if !target.IsMD5(hash) {
		return target.ErrInvalidHash
	}

	fn(m.Poll(hash))

	var changes <-chan struct{}
	if w := m.watch(ctx, hash); w != nil {
		defer w.Stop()
		changes = w.Changes()
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
			fn(m.Poll(hash))
		case <-ticker.C:
			fn(m.Poll(hash))
		}
	}
}

// watch returns a started watcher, or nil when the app directory does not
// exist yet and polling alone has to do.
func (m *Monitor) watch(ctx context.Context, hash string) *tracelog.Watcher {
	path := m.tracePath(hash)
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		m.log.Debug("app directory missing, polling only", zap.String("hash", hash))
		return nil
	}

	w, err := tracelog.NewWatcher(path, m.debounce, m.log)
	if err != nil {
		m.log.Warn("file watcher unavailable, polling only", zap.Error(err))
		return nil
	}
	if err := w.Start(ctx); err != nil {
		m.log.Warn("file watcher unavailable, polling only", zap.Error(err))
		w.Stop()
		return nil
	}
	return w
}
