package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"kintampo/internal/logging"
)

type shutdownPhase struct {
	name string
	stop func(context.Context) error
}

// shutdownCoordinator runs stop phases once, in registration order. A
// failing phase does not prevent later ones.
type shutdownCoordinator struct {
	logger *logging.Logger
	once   sync.Once
	mutex  sync.Mutex
	phases []shutdownPhase
}

func newShutdownCoordinator(logger *logging.Logger) *shutdownCoordinator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &shutdownCoordinator{logger: logger}
}

func (coordinator *shutdownCoordinator) Add(name string, stop func(context.Context) error) {
	if coordinator == nil || stop == nil {
		return
	}
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	coordinator.phases = append(coordinator.phases, shutdownPhase{name: name, stop: stop})
}

func (coordinator *shutdownCoordinator) Run(ctx context.Context) error {
	if coordinator == nil {
		return nil
	}
	var runErr error
	coordinator.once.Do(func() {
		coordinator.mutex.Lock()
		phases := append([]shutdownPhase(nil), coordinator.phases...)
		coordinator.mutex.Unlock()

		for _, phase := range phases {
			started := time.Now()
			err := phase.stop(ctx)
			if err != nil {
				runErr = errors.Join(runErr, err)
				coordinator.logger.Warn("shutdown phase failed", map[string]string{
					"phase": phase.name,
					"error": err.Error(),
				})
				continue
			}
			coordinator.logger.Debug("shutdown phase done", map[string]string{
				"phase":    phase.name,
				"duration": time.Since(started).String(),
			})
		}
	})
	return runErr
}
