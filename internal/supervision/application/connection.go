package application

import (
	"context"
	"fmt"
	"time"

	"scada-core/internal/cache"
	supervision "scada-core/internal/supervision/domain"
)

// ProcessByName finds a process by its configured name.
func (sm *StateMachine) ProcessByName(ctx context.Context, name string) (*supervision.Supervised, error) {
	for _, id := range sm.entities.GetKeys() {
		entity, err := sm.entities.Get(ctx, id)
		if err != nil {
			continue
		}
		if entity.Kind == supervision.KindProcess && entity.Name == name {
			return entity, nil
		}
	}
	return nil, fmt.Errorf("supervision: process %q: %w", name, cache.ErrNotFound)
}

// ConnectProcess handles a connection request from an acquisition process and
// returns the PIK it must present from now on. A second instance is rejected
// while the first one is running, unless test mode is enabled.
func (sm *StateMachine) ConnectProcess(ctx context.Context, name, host string, at time.Time) (int64, error) {
	process, err := sm.ProcessByName(ctx, name)
	if err != nil {
		return 0, err
	}
	pik, started, err := sm.Start(ctx, process.ID, host, at)
	if err != nil {
		return 0, err
	}
	if !started {
		sm.logger.Warn().Str("process", name).Str("host", host).Str("running_on", process.CurrentHost).Msg("connection rejected, process already running")
		return 0, supervision.ErrAlreadyRunning
	}
	sm.logger.Info().Str("process", name).Str("host", host).Int64("pik", pik).Msg("process connected")
	return pik, nil
}

// DisconnectProcess stops a process after checking the caller's PIK under
// the entity lock, so a concurrent reconnect is never stopped by a stale key.
func (sm *StateMachine) DisconnectProcess(ctx context.Context, name string, pik int64, at time.Time) error {
	process, err := sm.ProcessByName(ctx, name)
	if err != nil {
		return err
	}
	if err := sm.stopIfPIK(ctx, process.ID, pik, at); err != nil {
		return err
	}
	sm.logger.Info().Str("process", name).Msg("process disconnected")
	return nil
}

// CheckPIK verifies that pik belongs to the live instance of processID.
func (sm *StateMachine) CheckPIK(ctx context.Context, processID, pik int64) error {
	process, err := sm.entities.Get(ctx, processID)
	if err != nil {
		return err
	}
	if process.Kind != supervision.KindProcess {
		return supervision.ErrNotProcess
	}
	if process.PIK == 0 || process.PIK != pik {
		return fmt.Errorf("%w: process %d", supervision.ErrStalePIK, processID)
	}
	return nil
}
