package host

import (
	"context"

	"github.com/GriffinCanCode/exthost/internal/ipc"
	"github.com/GriffinCanCode/exthost/internal/supervisor"
)

// Runtime is the supervised sandbox runtime as the host uses it.
// *supervisor.Supervisor implements it.
type Runtime interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Request(ctx context.Context, method string, params, out interface{}) error
	Notify(method string, params interface{}) error
	SetHandler(h ipc.Handler)
	OnEvent(fn supervisor.EventFunc)
	OnStatus(fn supervisor.StatusFunc)
	Status() supervisor.Status
}

var _ Runtime = (*supervisor.Supervisor)(nil)
