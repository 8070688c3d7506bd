package proxy

import (
	"go.uber.org/zap"

	"github.com/proclink/proclink/channel"
	"github.com/proclink/proclink/wire"
)

// Config describes the worker to spawn for a proxy.
type Config struct {
	// Target is the worker executable; it receives Args plus the trailing
	// auto-start argument.
	Target string
	Args   []string
	Env    []string

	// Init is the readiness payload sent immediately after spawn.
	Init wire.InitPayload

	Logger *zap.SugaredLogger
	Codec  wire.Codec
}

// Spawn starts the worker process and returns a proxy bound to it. The
// worker is not yet ready when Spawn returns; calls issued before the
// readiness message arrives are queued in issuance order.
func Spawn(cfg Config, opts ...Option) (*Proxy, error) {
	ch, err := channel.New(channel.Config{
		Target: cfg.Target,
		Args:   cfg.Args,
		Env:    cfg.Env,
		Init:   cfg.Init,
		Logger: cfg.Logger,
		Codec:  cfg.Codec,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Logger != nil {
		opts = append([]Option{WithLogger(cfg.Logger)}, opts...)
	}
	p := New(ch, opts...)

	if err := ch.Start(p.events()); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Proxy) events() channel.Events {
	return channel.Events{
		OnMessage:         p.handleMessage,
		OnOutputChunk:     p.handleOutputChunk,
		OnUnexpectedClose: p.handleUnexpectedClose,
		OnTransportError:  p.handleTransportError,
	}
}
