package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/leonletto/chatlink/internal/delegate"
	"github.com/leonletto/chatlink/internal/inbound"
	"github.com/leonletto/chatlink/internal/listener"
	"github.com/leonletto/chatlink/internal/owner"
	"github.com/leonletto/chatlink/internal/paths"
	"github.com/leonletto/chatlink/internal/relay"
	"github.com/leonletto/chatlink/internal/shutdown"
)

// ListenOptions contains options for the listen command.
type ListenOptions struct {
	// Supervised leaves restarts to an external process manager and emits
	// lifecycle events on stdout.
	Supervised bool

	// WatchSignals installs SIGINT/SIGTERM handling.
	WatchSignals bool
}

// Listen runs the listener until shutdown and returns the process exit code.
func Listen(ctx context.Context, env *Env, opts ListenOptions) (int, error) {
	s := env.Settings
	log := env.logger().With("profile", s.Profile)
	out := &syncWriter{w: env.stdout()}
	coord := shutdown.New(nil, log)
	client := env.newClient()

	var groups relay.GroupRecorder
	if gc := env.openGroupCache(); gc != nil {
		groups = gc
		coord.Register(shutdown.StageCleanup, "close group cache", func(context.Context) error {
			return gc.Close()
		})
	}

	var dl *inbound.Downloader
	if s.Media.MaxFiles > 0 {
		dir, err := inbound.EnsureCacheDir(s.Media.Dir)
		if err != nil {
			log.Warn("media cache unavailable, reporting links only", "dir", s.Media.Dir, "error", err)
		} else {
			dl = inbound.NewDownloader(inbound.DownloadConfig{
				Dir:      dir,
				MaxBytes: s.Media.MaxBytes,
				Timeout:  s.Media.Timeout,
			})
		}
	}
	norm := inbound.New(inbound.Config{
		Profile:       s.Profile,
		MaxFiles:      s.Media.MaxFiles,
		ReplyContext:  s.Reply.Context,
		ReplyMedia:    s.Reply.Media,
		ReplyMaxChars: s.Reply.MaxChars,
		SelfID:        s.Backend.SelfID,
		Logger:        log,
	}, dl)

	pipeline := relay.NewPipeline(relay.Config{Buffer: s.Relay.Buffer, Logger: log}, norm, groups,
		relaySinks(env, out, client, opts.Supervised, log)...)
	pipeline.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), drainTimeout(s.Listen.ShutdownGrace))
		defer cancel()
		_ = pipeline.Stop(stopCtx)
	}()
	// Must run before the controller's disconnect hook; the echo sink replies
	// on the same connection. Half the grace period is left for releasing
	// ownership and removing the socket.
	coord.Register(shutdown.StageDisconnect, "drain relay pipeline", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, drainTimeout(s.Listen.ShutdownGrace))
		defer cancel()
		return pipeline.Stop(ctx)
	})

	var ipc listener.IPCServer
	if s.Delegation.Enabled {
		ipc = delegate.NewServer(delegate.ServerConfig{
			SocketPath:     paths.DelegationSocketPath(s.Home, s.Profile),
			Profile:        s.Profile,
			RequestTimeout: s.Delegation.RequestTimeout,
			RateLimit: delegate.RateLimitConfig{
				MaxRequestsPerSecond: s.Delegation.MaxRPS,
				BurstSize:            s.Delegation.Burst,
				MaxInFlight:          s.Delegation.MaxInFlight,
				Enabled:              s.Delegation.MaxRPS > 0,
			},
			Logger: log,
		}, client)
	}

	var emitter *listener.Emitter
	if opts.Supervised {
		emitter = listener.NewEmitter(out, s.Profile, nil)
	}

	ownerPath := paths.OwnerRecordPath(s.Home, s.Profile)
	ctrl := listener.New(listener.Config{
		Profile:           s.Profile,
		Supervised:        opts.Supervised,
		KeepAlive:         s.Listen.KeepAlive,
		RestartDelay:      s.Listen.RestartDelay,
		RestartAnyClose:   s.Listen.RestartAnyClose,
		RestartCloseCodes: s.Listen.RestartCloseCodes,
		Recycle:           s.Listen.Recycle,
		Heartbeat:         s.Listen.Heartbeat,
		ShutdownGrace:     s.Listen.ShutdownGrace,
		ConnectTimeout:    s.Listen.ConnectTimeout,
	}, listener.Deps{
		Client: client,
		Acquire: func(sessionID string) (listener.Releaser, error) {
			lock, err := owner.Acquire(ownerPath, s.Profile, sessionID, owner.WithLogger(log))
			if err != nil {
				return nil, err
			}
			return lock, nil
		},
		IPC:     ipc,
		Emitter: emitter,
		OnMessage: func(raw json.RawMessage) {
			pipeline.Enqueue(raw)
		},
		Shutdown: coord,
		Logger:   env.logger(),
	})

	if opts.WatchSignals {
		stop := shutdown.WatchSignals(log, func(sig os.Signal) {
			ctrl.Shutdown(shutdown.ExitCode(sig), nil)
		})
		defer stop()
	}

	code, err := ctrl.Run(ctx)
	if err != nil {
		return code, fmt.Errorf("listener: %w", err)
	}
	return code, nil
}

// drainTimeout is how long the relay pipeline may take to drain on
// shutdown.
func drainTimeout(grace time.Duration) time.Duration {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return grace / 2
}

// relaySinks builds the sinks selected by the relay settings.
func relaySinks(env *Env, out *syncWriter, client relay.TextSender, supervised bool, log *slog.Logger) []relay.Sink {
	s := env.Settings
	var sinks []relay.Sink

	switch s.Relay.Stdout {
	case "json":
		sinks = append(sinks, relay.NewStdoutSink(out, false))
	case "human":
		sinks = append(sinks, relay.NewStdoutSink(out, true))
	case "auto":
		human := false
		if f, ok := env.stdout().(*os.File); ok && !supervised {
			human = relay.IsTerminal(f)
		}
		sinks = append(sinks, relay.NewStdoutSink(out, human))
	}

	if s.Relay.WebhookURL != "" {
		sinks = append(sinks, relay.NewWebhookSink(relay.WebhookConfig{
			URL:        s.Relay.WebhookURL,
			Secret:     s.Relay.WebhookSecret,
			MaxRetries: s.Relay.WebhookRetries,
			Logger:     log,
		}))
	}
	if s.Relay.Echo {
		sinks = append(sinks, relay.NewEchoSink(client, log))
	}
	if len(sinks) == 0 {
		log.Warn("no relay sinks configured, inbound messages will be discarded")
	}
	return sinks
}
