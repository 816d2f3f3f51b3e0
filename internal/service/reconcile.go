package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/metrics"
	"github.com/sidethreads/internal/model"
	"github.com/sidethreads/internal/storage"
	"github.com/sidethreads/internal/thread"
)

const (
	defaultReconcileGrace = time.Minute
	reconcileBatch        = 100
)

// Reconciler completes threads that a partial creation left without their
// created message or seed grants. Threads younger than grace are skipped so
// an in-flight creation is never raced.
type Reconciler struct {
	store storage.ThreadStore
	grace time.Duration
	now   func() time.Time
	newID func() string

	mu        sync.Mutex
	lastStats ReconcileStats
}

// ReconcileStats tracks the last run.
type ReconcileStats struct {
	RunAt           time.Time
	Scanned         int
	MessagesCreated int
	GrantsCreated   int
	DurationMs      int64
	Errors          []string
}

func NewReconciler(store storage.ThreadStore, grace time.Duration) *Reconciler {
	if grace <= 0 {
		grace = defaultReconcileGrace
	}
	return &Reconciler{store: store, grace: grace, now: time.Now, newID: uuid.NewString}
}

// Start runs RunOnce every interval until ctx is done. interval <= 0 disables it.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		logger.Infof("reconciler: interval not set, background repair disabled")
		return
	}
	ticker := time.NewTicker(interval)
	logger.Infof("reconciler: started, interval=%s grace=%s", interval, r.grace)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.RunOnce(ctx); err != nil {
					logger.Errorf("reconciler: run failed: %v", err)
					continue
				}
				st := r.LastStats()
				if st.MessagesCreated > 0 || st.GrantsCreated > 0 || len(st.Errors) > 0 {
					logger.Infof("reconciler: scanned=%d messages=%d grants=%d errors=%d duration_ms=%d",
						st.Scanned, st.MessagesCreated, st.GrantsCreated, len(st.Errors), st.DurationMs)
				}
			case <-ctx.Done():
				logger.Infof("reconciler: shutting down")
				return
			}
		}
	}()
}

// RunOnce executes a single repair pass. Per-thread failures are recorded in
// the stats and do not abort the pass.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	start := r.now()
	stats := ReconcileStats{RunAt: start, Errors: []string{}}

	repairs, err := r.store.ListIncomplete(ctx, start.Add(-r.grace), reconcileBatch)
	if err != nil {
		return fmt.Errorf("list incomplete threads: %w", err)
	}
	stats.Scanned = len(repairs)

	for _, rep := range repairs {
		t := rep.Thread
		if rep.MissingCreated {
			msg := &model.ThreadMessage{
				ID:        r.newID(),
				ThreadID:  t.ID,
				Payload:   model.System{Kind: model.SystemKindCreated, Text: createdText},
				AuthorID:  t.CreatedBy,
				CreatedAt: t.CreatedAt,
			}
			if err := r.store.InsertMessage(ctx, msg); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("thread %s: created message: %v", t.ID, err))
				continue
			}
			stats.MessagesCreated++
			metrics.Reconciled.WithLabelValues(string(thread.StepSystemMessage)).Inc()
		}
		if len(rep.Ungranted) > 0 {
			if err := r.store.UpsertGrants(ctx, grantsFor(t.ID, rep.Ungranted, t.CreatedBy, r.now().UTC())); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("thread %s: grants: %v", t.ID, err))
				continue
			}
			stats.GrantsCreated += len(rep.Ungranted)
			metrics.Reconciled.WithLabelValues(string(thread.StepGrants)).Inc()
		}
	}

	stats.DurationMs = r.now().Sub(start).Milliseconds()
	r.mu.Lock()
	r.lastStats = stats
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) LastStats() ReconcileStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStats
}
