package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"marketsync/internal/domain"
)

type Store interface {
	UpsertHeartbeat(ctx context.Context, hb domain.Heartbeat) error
}

// Reporter overwrites the single heartbeat row of one scheduler name.
type Reporter struct {
	store   Store
	name    string
	timeout time.Duration
}

func NewReporter(store Store, name string) *Reporter {
	return &Reporter{store: store, name: name, timeout: 5 * time.Second}
}

func (r *Reporter) Name() string { return r.name }

// Report writes the heartbeat even when ctx is already cancelled. Failures
// are logged and otherwise ignored.
func (r *Reporter) Report(ctx context.Context, at time.Time, status domain.HealthStatus, message string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	hb := domain.Heartbeat{Name: r.name, LastSeen: at, Status: status, Message: message}
	if err := r.store.UpsertHeartbeat(ctx, hb); err != nil {
		log.Error().Err(err).Str("scheduler", r.name).Str("status", string(status)).Msg("heartbeat write failed")
		return
	}
	log.Debug().Str("scheduler", r.name).Str("status", string(status)).Msg("heartbeat written")
}
