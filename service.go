package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"idealsize/logging"

	"github.com/kardianos/service"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// serviceStopTimeout bounds how long Stop waits for the node host to exit.
const serviceStopTimeout = 30 * time.Second

// program adapts a blocking run function to service.Interface.
type program struct {
	run func(ctx context.Context) error
	log *logging.Logger

	cancel context.CancelFunc
	exit   chan error
}

// Start is called by the service manager. It must not block.
func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.exit = make(chan error, 1)

	go func() {
		err := p.run(ctx)
		if err != nil {
			p.log.Error("Service stopped with error", zap.Error(err))
		}
		p.exit <- err
	}()
	return nil
}

// Stop signals shutdown and waits for run to return.
func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	select {
	case err := <-p.exit:
		return err
	case <-time.After(serviceStopTimeout):
		return errors.New("timeout waiting for service to stop")
	}
}

// serviceConfig describes the installed service. It runs "service run".
func serviceConfig() *service.Config {
	return &service.Config{
		Name:        appName,
		DisplayName: "Ideal Size Node Host",
		Description: "Serves the ideal_size node over HTTP for diffusion pipeline hosts",
		Arguments:   []string{"service", "run"},
		Option: service.KeyValue{
			"StartType": "automatic",
			"Restart":   "on-failure",
		},
	}
}

func newService(ctx context.Context) (service.Service, error) {
	env := envFromContext(ctx)
	prg := &program{
		log: env.Log,
		run: func(runCtx context.Context) error {
			return runServe(runCtx, env.Cfg, env.Log)
		},
	}
	s, err := service.New(prg, serviceConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

// statusName returns a readable service status.
func statusName(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func serviceCommand() *cli.Command {
	control := func(action, done string) *cli.Command {
		return &cli.Command{
			Name:  action,
			Usage: "Sends " + action + " to the system service manager",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				s, err := newService(ctx)
				if err != nil {
					return err
				}
				if err := service.Control(s, action); err != nil {
					return fmt.Errorf("failed to %s service: %w", action, err)
				}
				fmt.Fprintf(cmd.Root().Writer, "Service %s successfully\n", done)
				return nil
			},
		}
	}

	return &cli.Command{
		Name:  "service",
		Usage: "Manages the node host as a system service",
		Commands: []*cli.Command{
			control("install", "installed"),
			control("uninstall", "uninstalled"),
			control("start", "started"),
			control("stop", "stopped"),
			control("restart", "restarted"),
			{
				Name:  "status",
				Usage: "Shows the service status",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					s, err := newService(ctx)
					if err != nil {
						return err
					}
					status, err := s.Status()
					if err != nil && !errors.Is(err, service.ErrNotInstalled) {
						return fmt.Errorf("failed to get service status: %w", err)
					}
					if errors.Is(err, service.ErrNotInstalled) {
						fmt.Fprintln(cmd.Root().Writer, "Service is not installed")
						return nil
					}
					fmt.Fprintf(cmd.Root().Writer, "Service is %s\n", statusName(status))
					return nil
				},
			},
			{
				Name:  "run",
				Usage: "Runs under the service manager (used by the installed service)",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					s, err := newService(ctx)
					if err != nil {
						return err
					}
					if err := s.Run(); err != nil {
						return fmt.Errorf("service run failed: %w", err)
					}
					return nil
				},
			},
		},
	}
}
