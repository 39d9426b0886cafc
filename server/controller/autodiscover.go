package controller

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/voxharbor/voxharbor/engine"
	"github.com/voxharbor/voxharbor/store"
)

const autoDiscoverInterval = 60 * time.Second

// AutoDiscover drains the pending-discovery ledger: every minute it picks a
// random pending chat, appends the compensating row and routes the join to
// the least loaded shard. Disabled unless AUTO_DISCOVER is set; READ_ONLY
// wins over it.
func (s *Service) AutoDiscover(ctx context.Context) {
	if !s.profile.AutoDiscover || s.profile.ReadOnly {
		s.log.Info("auto-discovery disabled",
			"auto_discover", s.profile.AutoDiscover, "read_only", s.profile.ReadOnly)
		return
	}

	ticker := time.NewTicker(autoDiscoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.autoDiscoverOnce(ctx); err != nil {
				s.log.Error("auto-discovery pass failed", "err", err)
			}
		}
	}
}

func (s *Service) autoDiscoverOnce(ctx context.Context) error {
	pending, err := s.dir.RandomPendingDiscovery(ctx)
	if errors.Is(err, store.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "pick pending discovery")
	}

	// The compensating row marks the discovery consumed whether or not the
	// join below succeeds; a failed join is not retried.
	consumed := pending
	consumed.Sign = -1
	if err := s.dir.InsertDiscoveredChats(ctx, []store.DiscoveredChat{consumed}); err != nil {
		return errors.Wrap(err, "append compensating row")
	}

	err = s.routeDiscover(ctx, pending.JoinString, false)
	if errors.Is(err, engine.ErrAlreadyJoined) {
		s.log.Info("pending chat already joined", "join_string", pending.JoinString)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "discover %s", pending.JoinString)
	}
	s.log.Info("auto-discovered chat", "chat_id", pending.ID, "name", pending.Name)
	return nil
}
