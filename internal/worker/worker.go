// Package worker defines the capability the supervisor uses to run a
// tenant's automation, and a docker-backed browser implementation of it.
package worker

import (
	"context"
	"errors"

	"github.com/shehryarbajwa/applyx/pkg/models"
)

// ErrUnknownHandle is returned for handles this worker never issued
var ErrUnknownHandle = errors.New("unknown worker handle")

// Status is a point-in-time observation of a worker.
// WorkUnitsCompleted counts work done since Start or Reattach returned the handle.
type Status struct {
	Alive              bool
	Completed          bool
	WorkUnitsCompleted int
	Detail             string
}

// Capability starts, stops and observes a tenant's worker
type Capability interface {
	Start(ctx context.Context, cfg models.ConfigEnvelope) (models.WorkerHandle, error)
	Stop(ctx context.Context, h models.WorkerHandle) error
	Status(ctx context.Context, h models.WorkerHandle) (Status, error)
}

// Reattacher is implemented by capabilities that can resume a worker
// started by a previous process. The returned handle may differ from h
// when the worker had to be relaunched.
type Reattacher interface {
	Reattach(ctx context.Context, h models.WorkerHandle, cfg models.ConfigEnvelope) (models.WorkerHandle, error)
}
