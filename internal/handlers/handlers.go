// Package handlers contains the channel handlers bound to task types:
// logging, email, push, orchestration and individual (fan-out) email.
package handlers

import (
	"context"
	"time"

	"github.com/muaviaUsmani/planner/internal/delivery"
	"github.com/muaviaUsmani/planner/internal/logger"
	"github.com/muaviaUsmani/planner/internal/task"
	"github.com/muaviaUsmani/planner/internal/worker"
)

// Dispatcher is the part of the registry the orchestration handler needs to
// hand individual messaging off to another handler
type Dispatcher interface {
	HasHandler(t task.Type) bool
	Execute(ctx context.Context, t task.Type, data task.Data) task.Result
}

// Deps are the collaborators the default handlers deliver through. A nil
// collaborator leaves the handlers that need it unregistered.
type Deps struct {
	Email        delivery.EmailService
	Push         delivery.PushService
	Orchestrator delivery.NotificationOrchestrator
	Directory    delivery.UserDirectory
	// Pool bounds per-recipient sends; defaults to 8 workers, unthrottled
	Pool   *worker.Pool
	Logger logger.Logger
}

// RegisterDefaults binds the standard handlers:
// custom -> LogMessageHandler, email -> EmailHandler, push -> PushHandler,
// orchestration -> OrchestrationHandler, individual_email -> IndividualEmailHandler.
// database_update has no default handler.
func RegisterDefaults(reg *worker.Registry, deps Deps) {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent(logger.ComponentHandler)

	reg.Register(task.TypeCustom, NewLogMessageHandler(log.WithSource(logger.LogSourceTask)))

	if deps.Email != nil {
		reg.Register(task.TypeEmail, NewEmailHandler(deps.Email))
		if deps.Directory != nil {
			pool := deps.Pool
			if pool == nil {
				pool = worker.NewPool(8, 0)
			}
			reg.Register(task.TypeIndividualEmail, NewIndividualEmailHandler(deps.Email, deps.Directory, pool))
		}
	}
	if deps.Push != nil {
		reg.Register(task.TypePush, NewPushHandler(deps.Push))
	}
	if deps.Orchestrator != nil {
		reg.Register(task.TypeOrchestration, NewOrchestrationHandler(deps.Orchestrator, reg))
	}

	log.Info("Registered default handlers", "types", reg.RegisteredTypes())
}

// invalid turns a validation error into a failed result
func invalid(err error) task.Result {
	if te, ok := err.(*task.Error); ok {
		return task.FailedWith(te, "")
	}
	return task.Failed(task.KindValidation, err.Error(), "")
}

// decode converts data into a typed input, reporting shape mismatches as
// validation errors
func decode(data task.Data, v any) error {
	if data == nil {
		return task.Errorf(task.KindValidation, "Invalid data: expected an object")
	}
	if err := data.Decode(v); err != nil {
		return task.Wrap(task.KindValidation, err, "Invalid data")
	}
	return nil
}

func processedAt() string {
	return time.Now().UTC().Format(time.RFC3339)
}
