package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"batchd/internal/config"
	"batchd/internal/console"
	"batchd/internal/dispatch"
	"batchd/internal/eventbus"
	"batchd/internal/launcher"
	"batchd/internal/notify"
	"batchd/internal/queue"
	"batchd/internal/runtime/supervisor"
	"batchd/internal/storage"
	"batchd/internal/submission"
	logx "batchd/pkg/logx"
)

// Options are the process-level inputs. Zero values mean os.Stdin/os.Stdout
// and no config file.
type Options struct {
	ConfigPath string
	LogLevel   string // overrides logging.level, survives reloads
	Stdin      io.Reader
	Stdout     io.Writer
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	// launches run outside sup so that stopping the loops never cancels them.
	launchSup *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	queue    *queue.Queue
	launcher *launcher.Launcher
	loop     *dispatch.Loop
	subm     *submission.Service
	notif    *notify.Notifier
	maint    *maintenance

	drainTimeout time.Duration

	quitOnce sync.Once
	quitCh   chan struct{}
	stopOnce sync.Once
}

func NewApp(opts Options) (*App, error) {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg, opts.LogLevel))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		opts:         opts,
		cfgm:         cfgm,
		log:          log,
		logs:         logs,
		bus:          eventbus.New(),
		queue:        queue.New(),
		drainTimeout: d.DrainTimeout,
		quitCh:       make(chan struct{}),
	}

	st, err := storage.Open(mapStorageConfig(cfg, d), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.store = st
	rec := storage.NewRecorder(st, log.With(logx.String("comp", "history")))

	a.launchSup = supervisor.NewSupervisor(context.Background(),
		supervisor.WithLogger(log.With(logx.String("comp", "launches"))),
	)
	a.launcher = launcher.New(mapLauncherConfig(cfg, opts.Stdout),
		launcher.WithLogger(log.With(logx.String("comp", "launcher"))),
		launcher.WithSpawner(a.launchSup),
		launcher.WithObservers(
			launcher.LogObserver(log.With(logx.String("comp", "launcher"))),
			launcher.EventObserver(a.bus),
			rec,
		),
	)

	if nc, tc, ok := mapNotifierConfig(cfg); ok {
		sender, err := notify.NewTelegramSender(tc)
		if err != nil {
			a.closeStore()
			_ = logs.Close()
			return nil, fmt.Errorf("notifier: %w", err)
		}
		a.notif = notify.New(nc, sender, log.With(logx.String("comp", "notifier")))
		a.launcher.AddObserver(a.notif)
	}

	a.loop = dispatch.New(a.queue, a.launcher,
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))),
		dispatch.WithBus(a.bus),
		dispatch.WithTick(d.Tick),
	)
	subOpts := []submission.Option{
		submission.WithLogger(log.With(logx.String("comp", "submission"))),
		submission.WithBus(a.bus),
		submission.WithCancelRecorder(rec),
		submission.WithQuit(a.requestQuit),
	}
	if st != nil {
		subOpts = append(subOpts, submission.WithHistory(st))
	}
	a.subm = submission.New(a.queue, subOpts...)

	a.maint, err = newMaintenance(cfg.Maintenance, maintenanceDeps{
		log:       log.With(logx.String("comp", "maintenance")),
		store:     st,
		retention: d.Retention,
		queue:     a.queue,
		launcher:  a.launcher,
		loop:      a.loop,
		launches:  a.launchSup,
	})
	if err != nil {
		a.closeStore()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

// Done is closed when the app wants to stop on its own: a quit command or a
// fatal supervisor error.
func (a *App) Done() <-chan struct{} { return a.quitCh }

// Err reports the first fatal error from a supervised loop, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Reason derives why Done fired.
func (a *App) Reason() StopReason {
	if a.Err() != nil {
		return StopFatalError
	}
	select {
	case <-a.quitCh:
		return StopQuit
	default:
		return StopUnknown
	}
}

func (a *App) requestQuit() {
	a.quitOnce.Do(func() { close(a.quitCh) })
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	// transactional reload: a config whose work_dir vanished is rejected
	// before it is committed, so launches keep the last good settings.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if wd := strings.TrimSpace(cfg.Launcher.WorkDir); wd != "" {
			fi, err := os.Stat(wd)
			if err != nil {
				return fmt.Errorf("launcher.work_dir: %w", err)
			}
			if !fi.IsDir() {
				return fmt.Errorf("launcher.work_dir: %s is not a directory", wd)
			}
		}
		return nil
	})

	restart := supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second)
	a.sup.GoRestart("dispatch", a.loop.Run, restart)

	cmds := make(chan submission.Command, 16)
	printer := console.NewPrinter(a.opts.Stdout)
	// Serve returns nil at stdin EOF; dispatch keeps running until a signal.
	a.sup.GoRestart("commands", func(c context.Context) error {
		return a.subm.Serve(c, cmds, printer)
	}, restart)
	// The scanner stays outside the supervisor: a read blocked on stdin cannot
	// be interrupted, and Wait must not hang on it.
	sc := console.NewScanner(a.opts.Stdin)
	go func() {
		if err := sc.Scan(a.sup.Context(), cmds); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("command stream read failed", logx.Err(err))
		}
	}()

	if a.notif != nil {
		a.sup.Go("notifier", a.notif.Run)
	}
	a.maint.Start()

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if je, ok := e.Data.(eventbus.JobEvent); ok {
					fields = append(fields, logx.String("job", je.ID))
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	// Surface fatal loop errors through Done.
	a.sup.Go0("app.fatal", func(c context.Context) {
		<-c.Done()
		if a.sup.Err() != nil {
			a.requestQuit()
		}
	})

	if a.cfgm.Get().Systemd.Notify {
		if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			a.log.Warn("systemd notify failed", logx.Err(err))
		} else if ok {
			a.log.Debug("systemd notified", logx.String("state", "ready"))
		}
	}

	a.log.Info("scheduler started",
		logx.String("config", a.cfgm.Path()),
		logx.Duration("tick", a.loop.Tick()),
		logx.Bool("history", a.store != nil),
		logx.Bool("notifier", a.notif != nil),
	)
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, needRestart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if len(needRestart) > 0 {
		a.log.Warn("some config changes need a restart to take effect", logx.Strings("sections", needRestart))
	}

	d, err := newCfg.Durations()
	if err != nil {
		// Validate already ran before commit; this is unreachable in practice.
		a.log.Error("reloaded config has bad durations", logx.Err(err))
		return
	}
	a.logs.Apply(mapLoggingConfig(newCfg, a.opts.LogLevel))
	a.loop.SetTick(d.Tick)
	a.launcher.Apply(mapLauncherConfig(newCfg, a.opts.Stdout))
	if a.notif != nil {
		a.notif.SetRate(newCfg.Notifier.Telegram.RatePerSec)
	}
}

// Stop halts the loops, waits up to launcher.drain_timeout for running jobs,
// then releases the store and the log file. Jobs still pending in the queue
// are discarded. Stop is idempotent.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return a.logs.Close()
	}
	start := time.Now()
	a.log.Info("stopping",
		logx.String("reason", string(reason)),
		logx.Int("pending", a.queue.Len()),
		logx.Int("in_flight", a.launcher.InFlight()),
	)
	if a.cfgm.Get().Systemd.Notify {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}

	a.sup.Cancel()
	a.step(ctx, "maintenance", 2*time.Second, a.maint.Stop)
	a.step(ctx, "loops", 3*time.Second, a.sup.Wait)
	a.step(ctx, "launches", a.drainTimeout, a.launcher.Drain)
	a.closeStore()

	a.log.Info("stopped", logx.Duration("took", time.Since(start)))
	return a.logs.Close()
}

// step runs fn with an upper bound so one component cannot stall the stop.
// A non-positive max only respects ctx.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}
	start := time.Now()
	if err := fn(stepCtx); err != nil {
		a.log.Warn("stop step incomplete", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("history store close failed", logx.Err(err))
	}
}
