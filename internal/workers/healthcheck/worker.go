package healthcheck

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"examdesk/internal/metrics"
)

const (
	checkInterval = 30 * time.Second
	pingTimeout   = 5 * time.Second
)

type dependencyStatus struct {
	isUp         bool
	lastCheck    time.Time
	failureCount int
	lastError    string
}

// Worker pings the service's dependencies and remembers who answered.
type Worker struct {
	deps   map[string]Pinger
	logger *slog.Logger

	statusMu sync.RWMutex
	statuses map[string]*dependencyStatus

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewWorker(deps map[string]Pinger, logger *slog.Logger) *Worker {
	return &Worker{
		deps:     deps,
		logger:   logger,
		statuses: make(map[string]*dependencyStatus),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (w *Worker) Name() string {
	return "healthcheck"
}

func (w *Worker) Start() error {
	w.logger.Info("Starting health check worker",
		"interval", checkInterval,
		"dependency_count", len(w.deps))

	// First result is needed before /readyz answers.
	w.CheckAll(context.Background())

	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("Panic in healthcheck worker goroutine", "panic", r)
			}
		}()
		w.run()
	}()
	return nil
}

func (w *Worker) Stop() {
	w.logger.Info("Stopping health check worker")
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	ctx := context.Background()

	for {
		select {
		case <-ticker.C:
			w.CheckAll(ctx)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) CheckAll(ctx context.Context) {
	for name, dep := range w.deps {
		w.check(ctx, name, dep)
	}
}

func (w *Worker) check(ctx context.Context, name string, dep Pinger) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	err := dep.Ping(ctx)
	if err != nil {
		w.logger.Warn("Health check failed", "dependency", name, "error", err)
	} else {
		w.logger.Debug("Health check passed", "dependency", name)
	}

	w.updateStatus(name, err)
}

func (w *Worker) updateStatus(name string, err error) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()

	isUp := err == nil
	now := time.Now()
	if isUp {
		metrics.DependencyUp.WithLabelValues(name).Set(1)
	} else {
		metrics.DependencyUp.WithLabelValues(name).Set(0)
	}

	status, exists := w.statuses[name]
	if !exists {
		status = &dependencyStatus{isUp: true}
		w.statuses[name] = status
	}

	switch {
	case status.isUp && !isUp:
		w.logger.Error("Dependency went down", "dependency", name, "error", err)
		status.failureCount = 1
	case !status.isUp && !isUp:
		status.failureCount++
	case !status.isUp && isUp:
		w.logger.Info("Dependency recovered",
			"dependency", name,
			"downtime", now.Sub(status.lastCheck),
			"failures", status.failureCount)
		status.failureCount = 0
	}

	status.isUp = isUp
	status.lastCheck = now
	status.lastError = ""
	if err != nil {
		status.lastError = err.Error()
	}
}

// Ready reports whether every dependency passed its last check, with the
// errors of those that did not.
func (w *Worker) Ready() (bool, []string) {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()

	var failing []string
	for name := range w.deps {
		status, ok := w.statuses[name]
		if !ok {
			failing = append(failing, name+": not checked yet")
			continue
		}
		if !status.isUp {
			failing = append(failing, name+": "+status.lastError)
		}
	}
	sort.Strings(failing)
	return len(failing) == 0, failing
}
