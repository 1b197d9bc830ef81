package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/p-arndt/sandbench/internal/bench"
	"github.com/p-arndt/sandbench/internal/config"
	"github.com/p-arndt/sandbench/internal/provider"
	"github.com/p-arndt/sandbench/internal/provider/docker"
	"github.com/p-arndt/sandbench/internal/provider/process"
	"github.com/p-arndt/sandbench/internal/provider/runloop"
	"github.com/p-arndt/sandbench/internal/provider/sandkasten"
)

// buildTargets maps the selected provider names onto openers, in selection
// order.
func buildTargets(cfg *config.Config, logger *slog.Logger) []bench.Target {
	execTimeout := time.Duration(cfg.ExecTimeoutMs) * time.Millisecond

	targets := make([]bench.Target, 0, len(cfg.Providers))
	for _, name := range cfg.Providers {
		t := bench.Target{Name: name, CredentialEnv: config.CredentialEnv(name)}
		t.Credential, t.RequiresCredential = cfg.Credential(name)

		switch name {
		case config.ProviderDocker:
			t.Open = func(context.Context, string) (provider.Adapter, error) {
				d, err := docker.New(docker.Options{
					Image:       cfg.Docker.Image,
					Shell:       cfg.Docker.Shell,
					ExecTimeout: execTimeout,
				})
				if err != nil {
					return nil, err
				}
				return provider.NewDriverAdapter(name, d), nil
			}
		case config.ProviderSandkasten:
			t.Open = func(_ context.Context, credential string) (provider.Adapter, error) {
				return provider.NewDriverAdapter(name, sandkasten.New(sandkasten.Options{
					Host:        cfg.Sandkasten.Host,
					APIKey:      credential,
					Image:       cfg.Sandkasten.Image,
					ExecTimeout: execTimeout,
				})), nil
			}
		case config.ProviderRunloop:
			t.Open = func(_ context.Context, credential string) (provider.Adapter, error) {
				return provider.NewDriverAdapter(name, runloop.New(runloop.Options{
					BaseURL:      cfg.Runloop.BaseURL,
					APIKey:       credential,
					PollInterval: time.Duration(cfg.Runloop.PollIntervalMs) * time.Millisecond,
					ExecTimeout:  execTimeout,
				})), nil
			}
		case config.ProviderProcess:
			t.Open = func(context.Context, string) (provider.Adapter, error) {
				return provider.NewDriverAdapter(name, process.New(process.Options{
					Interpreter: cfg.Process.Interpreter,
					ExecTimeout: execTimeout,
				})), nil
			}
		default:
			logger.Warn("unknown provider ignored", "provider", name)
			continue
		}
		targets = append(targets, t)
	}
	return targets
}
