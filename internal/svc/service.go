// Package svc runs the arcstore engine under the platform service manager.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// DefaultName is the service name used when none is given.
const DefaultName = "arcstore"

// ServiceRunFlag marks a process started by the service manager.
const ServiceRunFlag = "--service-run"

// RunFunc runs the engine with the config at configPath until ctx is done.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start must not block; the engine runs in a goroutine.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("run function not configured")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)
	go func() {
		p.done <- p.Run(p.ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the engine and waits for it to close.
func (p *Program) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done == nil {
		return nil
	}
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes the installed service.
type Config struct {
	Name       string // default: DefaultName
	ConfigPath string // default: DefaultConfigPath()
	UserName   string // Linux and macOS only
	LogLevel   string // passed to serve when set
}

// DefaultConfigPath returns the platform's config location.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "arcstore", "config.yaml")
	}
	return "/etc/arcstore/config.yaml"
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Name == "" {
		out.Name = DefaultName
	}
	if out.ConfigPath == "" {
		out.ConfigPath = DefaultConfigPath()
	}
	return out
}

// Arguments returns the command line the service manager starts.
func (c *Config) Arguments() []string {
	cfg := c.withDefaults()
	args := []string{"serve", ServiceRunFlag, "--config", cfg.ConfigPath}
	if cfg.LogLevel != "" {
		args = append(args, "--log-level", cfg.LogLevel)
	}
	return args
}

// ServiceConfig builds the kardianos/service description for goos.
func (c *Config) ServiceConfig(goos string) *service.Config {
	cfg := c.withDefaults()
	sc := &service.Config{
		Name:        cfg.Name,
		DisplayName: "arcstore archival storage",
		Description: "Keeps archival packages replicated and fixity-checked across storages",
		Arguments:   c.Arguments(),
	}
	switch goos {
	case "linux":
		sc.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		sc.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		sc.UserName = cfg.UserName
	case "darwin":
		sc.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		sc.UserName = cfg.UserName
	case "windows":
		sc.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return sc
}

// New binds prg to the service described by cfg.
func New(prg *Program, cfg *Config) (service.Service, error) {
	s, err := service.New(prg, cfg.ServiceConfig(runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install registers the service. An existing installation is replaced only
// with force.
func Install(cfg *Config, force bool) error {
	s, err := New(&Program{}, cfg)
	if err != nil {
		return err
	}
	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.withDefaults().Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}
	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if running and removes it.
func Uninstall(cfg *Config) error {
	s, err := New(&Program{}, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs one of start, stop or restart.
func Control(cfg *Config, action string) error {
	switch action {
	case "start", "stop", "restart":
	default:
		return fmt.Errorf("unknown service action %q", action)
	}
	s, err := New(&Program{}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status reports running, stopped or unknown.
func Status(cfg *Config) (string, error) {
	s, err := New(&Program{}, cfg)
	if err != nil {
		return "", err
	}
	status, err := s.Status()
	if err != nil {
		return "unknown", err
	}
	return StatusString(status), nil
}

// StatusString renders a service status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager until it stops the service.
func Run(prg *Program, cfg *Config) error {
	s, err := New(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges fails on Unix unless running as root.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry ServiceRunFlag.
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == ServiceRunFlag {
			return true
		}
	}
	return false
}
