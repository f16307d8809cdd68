package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/conclave/internal/credential"
	"github.com/user/conclave/internal/metrics"
	"github.com/user/conclave/internal/types"
)

// CredentialRefresh refreshes the document-source token ahead of expiry so
// request paths rarely block on a refresh.
func CredentialRefresh(schedule string, cache *credential.Cache, m *metrics.Metrics) Job {
	return Job{
		Name:     "credential-refresh",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			if !cache.Stale() {
				return nil
			}
			err := cache.RefreshIfStale(ctx)
			m.CredentialRefresh(err)
			return err
		},
	}
}

// TranscriptPrune removes transcripts untouched for longer than retention.
func TranscriptPrune(schedule string, store types.TranscriptStore, retention time.Duration) Job {
	return Job{
		Name:     "transcript-prune",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			if retention <= 0 {
				return nil
			}
			n, err := store.Prune(ctx, time.Now().Add(-retention))
			if n > 0 {
				slog.Info("pruned transcripts", "count", n)
			}
			return err
		},
	}
}
