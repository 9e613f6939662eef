// Package notify dispatches verification SMS through a dedicated actor,
// keeping provider I/O off the request path's goroutine and serializing
// access to the provider client.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/example/piata/pkg/models"
	"go.uber.org/zap"
)

// Provider is the external SMS collaborator. Implementations must return
// ErrProviderRateLimited or ErrProviderDown so callers can tell the two
// apart.
type Provider interface {
	SendCode(ctx context.Context, phone, code string) error
}

var (
	ErrProviderRateLimited = errors.New("sms provider rate limited")
	ErrProviderDown        = errors.New("sms provider unavailable")
)

// Messages

type SendCode struct {
	Phone string
	Code  string
}

type DispatchResult struct {
	Err error
}

type smsActor struct {
	provider Provider
	logger   *zap.Logger
}

func (a *smsActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *SendCode:
		err := a.provider.SendCode(context.Background(), msg.Phone, msg.Code)
		if err != nil {
			a.logger.Warn("sms dispatch failed",
				zap.String("phone", msg.Phone),
				zap.Error(err))
		}
		ctx.Respond(&DispatchResult{Err: err})

	case *actor.Started:
		a.logger.Info("sms dispatch actor started")

	case *actor.Stopped:
		a.logger.Info("sms dispatch actor stopped")
	}
}

// Dispatcher is the request-path handle to the SMS actor.
type Dispatcher struct {
	system  *actor.ActorSystem
	pid     *actor.PID
	timeout time.Duration
}

func NewDispatcher(system *actor.ActorSystem, provider Provider, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	props := actor.PropsFromProducer(func() actor.Actor {
		return &smsActor{provider: provider, logger: logger}
	})
	pid := system.Root.Spawn(props)

	return &Dispatcher{
		system:  system,
		pid:     pid,
		timeout: timeout,
	}
}

// Send asks the actor to dispatch a code and waits for the outcome. The
// provider's failure mode is translated into the fault taxonomy here so
// the gate never sees raw provider errors.
func (d *Dispatcher) Send(ctx context.Context, phone, code string) error {
	future := d.system.Root.RequestFuture(d.pid, &SendCode{Phone: phone, Code: code}, d.timeout)
	result, err := future.Result()
	if err != nil {
		return models.Infra(err, "sms dispatch timed out")
	}

	res, ok := result.(*DispatchResult)
	if !ok {
		return models.Infra(nil, "unexpected sms dispatch reply")
	}
	switch {
	case res.Err == nil:
		return nil
	case errors.Is(res.Err, ErrProviderRateLimited):
		return models.RateLimitedf("sms provider throttled this number, retry later")
	default:
		return models.Infra(res.Err, "sms provider unavailable, retry")
	}
}

// LogProvider logs codes instead of sending them; for development and
// tests only.
type LogProvider struct {
	Logger *zap.Logger
}

func (p *LogProvider) SendCode(_ context.Context, phone, code string) error {
	p.Logger.Info("sms code (log provider)",
		zap.String("phone", phone),
		zap.String("code", code))
	return nil
}
