// SPDX-License-Identifier: MIT

package sessions

import (
	"context"
	"errors"

	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/model"
)

// RunOfflineWatcher marks sessions interrupted when the health monitor
// reports their worker offline. The row is closed with whatever stats it
// already carries; the gateway's own disconnect path wins if it got there
// first, since the update is guarded on the active status.
func (s *Service) RunOfflineWatcher(ctx context.Context, b bus.Bus) error {
	sub, err := b.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if ev.Type != model.EventWorkerOffline || ev.SessionID == "" {
				continue
			}
			s.interrupt(ctx, ev.SessionID)
		}
	}
}

func (s *Service) interrupt(ctx context.Context, sessionID string) {
	if _, err := s.Finish(ctx, FinishRequest{
		SessionID: sessionID,
		Status:    model.SessionInterrupted,
	}); err != nil {
		// Already terminal means the disconnect path beat us here.
		if !errors.Is(err, model.ErrConflict) {
			s.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("interrupting session failed")
		}
		return
	}
	s.logger.Warn().Str(log.FieldSessionID, sessionID).Msg("session interrupted, worker offline")
}
