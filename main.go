package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"idealsize/core"
	"idealsize/logging"

	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const appName = "idealsize"

type envKey struct{}

// appEnv keeps everything the commands need in a single place.
type appEnv struct {
	Cfg *core.Config
	Log *logging.Logger

	start time.Time
	// errLogged is set once the failure has been written to the log
	errLogged bool
}

func contextWithEnv(ctx context.Context) context.Context {
	return context.WithValue(ctx, envKey{}, &appEnv{start: time.Now()})
}

func envFromContext(ctx context.Context) *appEnv {
	if env, ok := ctx.Value(envKey{}).(*appEnv); ok {
		return env
	}
	panic("app env not found in context")
}

// usageError marks bad flags or arguments so main can exit with ExitCodeUsage.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...interface{}) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

// longRunning commands log at info level by default, one-shot commands at warn.
var longRunning = map[string]bool{"serve": true, "service": true}

// initializeAppContext loads .env and configuration and prepares the logger.
// It runs after the command line has been parsed.
func initializeAppContext(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	env := envFromContext(ctx)

	if cmd.NArg() == 0 {
		return ctx, nil
	}

	envFile := cmd.String("env-file")
	envErr := godotenv.Load(envFile)
	if envErr != nil && cmd.IsSet("env-file") {
		return ctx, fmt.Errorf("unable to load %s: %w", envFile, envErr)
	}

	cfg, err := core.LoadConfig()
	if err != nil {
		return ctx, fmt.Errorf("unable to load configuration: %w", err)
	}
	env.Cfg = cfg

	defaultLevel := zapcore.WarnLevel
	if cfg.DevMode {
		defaultLevel = zapcore.DebugLevel
	} else if longRunning[cmd.Args().First()] {
		defaultLevel = zapcore.InfoLevel
	}
	level := logging.ParseLogLevelString(cfg.LogLevel, defaultLevel)
	if cmd.IsSet("log-level") {
		level = logging.ParseLogLevelString(cmd.String("log-level"), level)
	}

	logCfg := logging.DefaultConfig(cfg.DevMode, cfg.LogFile)
	logCfg.Level = level
	if env.Log, err = logging.NewLoggerWithConfig(logCfg); err != nil {
		return ctx, fmt.Errorf("unable to prepare logs: %w", err)
	}

	if envErr != nil {
		env.Log.Debug("No env file loaded", zap.String("file", envFile), zap.Error(envErr))
	}
	env.Log.Debug("Program started",
		zap.Strings("args", os.Args),
		zap.String("version", core.Version),
		zap.String("runtime", runtime.Version()),
		zap.String("commit", core.GitCommit))
	return ctx, nil
}

func destroyAppContext(ctx context.Context, cmd *cli.Command) error {
	env := envFromContext(ctx)

	if env.Log == nil {
		return nil
	}
	env.Log.Debug("Program ended", zap.Duration("elapsed", time.Since(env.start)))
	// Syncing stderr fails with EINVAL on some platforms; nothing to report.
	_ = env.Log.Sync()
	return nil
}

// exitErrHandler replaces the urfave/cli default, which may call os.Exit.
func exitErrHandler(ctx context.Context, _ *cli.Command, err error) {
	env := envFromContext(ctx)
	if env.Log == nil {
		return
	}
	fields := []zap.Field{zap.Error(err)}
	if code := core.GetConfigErrorCode(err); code != "" {
		fields = append(fields, zap.String("code", code))
	}
	env.Log.Error("Program ended with error", fields...)
	env.errLogged = true
}

func usageErrorHandler(_ context.Context, _ *cli.Command, err error, _ bool) error {
	return usageError{err: err}
}

func commandNotFoundHandler(ctx context.Context, cmd *cli.Command, name string) {
	fmt.Fprintf(cmd.Root().ErrWriter, "Unknown command %q, see --help\n", name)
}

// newApp builds the command tree. stdout receives command output.
func newApp(stdout, stderr io.Writer) *cli.Command {
	app := &cli.Command{
		Name:            appName,
		Usage:           "computes model-native generation sizes for diffusion pipelines",
		Version:         core.GetVersionInfo(),
		Writer:          stdout,
		ErrWriter:       stderr,
		HideHelpCommand: true,
		Before:          initializeAppContext,
		After:           destroyAppContext,
		OnUsageError:    usageErrorHandler,
		ExitErrHandler:  exitErrHandler,
		CommandNotFound: commandNotFoundHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "load environment from `FILE` (missing default file is ignored)"},
			&cli.StringFlag{Name: "log-level", Usage: "override LOG_LEVEL (debug, info, warn, error)"},
		},
		Commands: []*cli.Command{
			computeCommand(),
			prepareCommand(),
			familiesCommand(),
			serveCommand(),
			modelsCommand(),
			historyCommand(),
			hashTokenCommand(),
			serviceCommand(),
		},
	}
	setUsageErrorHandler(app.Commands)
	return app
}

func setUsageErrorHandler(cmds []*cli.Command) {
	for _, c := range cmds {
		if c.OnUsageError == nil {
			c.OnUsageError = usageErrorHandler
		}
		setUsageErrorHandler(c.Commands)
	}
}

// exitCodeFor maps the result of a run to a process exit code. Bad
// configuration counts as a usage error.
func exitCodeFor(err error, sig os.Signal) int {
	if sig != nil {
		return core.ExitCodeForSignal(sig)
	}
	if err == nil {
		return core.ExitCodeSuccess
	}
	var ue usageError
	if errors.As(err, &ue) || core.IsConfigError(err) {
		return core.ExitCodeUsage
	}
	return core.ExitCodeError
}

func main() {
	ctx, cancel := context.WithCancel(contextWithEnv(context.Background()))

	var received atomic.Value
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			received.Store(sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	err := newApp(os.Stdout, os.Stderr).Run(ctx, os.Args)

	signal.Stop(sigCh)
	cancel()

	sig, _ := received.Load().(os.Signal)
	code := exitCodeFor(err, sig)
	if err != nil && !envFromContext(ctx).errLogged {
		fmt.Fprintf(os.Stderr, "Program ended with error: %v\n", err)
	}
	if core.IsSignalExit(code) {
		fmt.Fprintf(os.Stderr, "Program %s\n", core.ExitCodeName(code))
	}
	// os.Exit skips deferred calls; nothing is deferred above.
	os.Exit(code)
}
