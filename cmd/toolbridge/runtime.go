package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexschlessinger/toolbridge/internal/log"
	"github.com/alexschlessinger/toolbridge/llm"
	"github.com/alexschlessinger/toolbridge/servers"
	"github.com/alexschlessinger/toolbridge/tools"
)

const (
	queueWorkers  = 2
	queueCapacity = 64
	drainTimeout  = 5 * time.Second
)

// runtime is the wired tool system for one CLI invocation
type runtime struct {
	registry *tools.Registry
	local    *tools.LocalRegistry
	queue    *tools.Queue
	manager  *servers.Manager
	executor *llm.Executor
	bridge   *llm.Bridge
}

// setupRuntime registers local tools, starts the configured servers and
// builds the executor. Server start failures are logged, not returned;
// those servers stay out of the snapshot.
func setupRuntime(ctx context.Context, config *Config) (*runtime, error) {
	rt := &runtime{
		registry: tools.NewRegistry(),
		queue:    tools.NewQueue(queueWorkers, queueCapacity),
	}
	rt.local = tools.NewLocalRegistry(rt.registry, rt.queue)

	if config.Builtins {
		if err := tools.RegisterBuiltins(ctx, rt.local); err != nil {
			return nil, fmt.Errorf("failed to register builtin tools: %w", err)
		}
	}
	if len(config.ShellTools) > 0 {
		if _, err := tools.LoadShellTools(ctx, rt.local, config.ShellTools); err != nil {
			return nil, err
		}
	}

	serverConfig := &servers.Config{}
	if config.ConfigPath != "" {
		var err error
		serverConfig, err = servers.LoadConfig(config.ConfigPath)
		if err != nil {
			return nil, err
		}
	}
	var opts []servers.Option
	if config.CachePath != "" {
		opts = append(opts, servers.WithDiscoveryCache(servers.NewDiscoveryCache(config.CachePath)))
	}
	rt.manager = servers.NewManager(serverConfig, opts...)
	if err := rt.manager.Start(ctx); err != nil {
		log.GetLogger().Warnw("servers_start_incomplete", "error", err)
	}
	rt.registry.AddSource(rt.manager)

	retry := llm.DefaultRetryPolicy()
	retry.MaxAttempts = config.Retries
	rt.executor = llm.NewExecutor(rt.local, rt.manager,
		llm.WithTimeout(config.Timeout),
		llm.WithMaxParallel(config.MaxParallel),
		llm.WithRetryPolicy(retry),
		llm.WithHooks(&llm.ExecutionHooks{
			OnRetry: func(call tools.ToolCall, err error, wait time.Duration) {
				fmt.Fprintf(os.Stderr, "%s %s failed (%v), retrying in %v\n",
					styled(warnStyle, "retry:"), call.Name, err, wait.Round(time.Millisecond))
			},
		}),
	)
	rt.bridge = llm.NewBridge(tools.NewResolver(rt.registry), rt.executor)
	return rt, nil
}

// close drains queued jobs and stops every server
func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := rt.local.Close(ctx); err != nil {
		log.GetLogger().Debugw("queue_drain_incomplete", "error", err)
	}
	if err := rt.manager.Close(); err != nil {
		log.GetLogger().Debugw("servers_close_failed", "error", err)
	}
}

// waitForJob blocks until the queued job reports its outcome
func (rt *runtime) waitForJob(ctx context.Context, jobID string) (tools.Result, error) {
	for {
		select {
		case done, ok := <-rt.queue.Completions():
			if !ok {
				return tools.Result{}, fmt.Errorf("queue closed before job %s finished", jobID)
			}
			if done.JobID == jobID {
				return done.Result, nil
			}
		case <-ctx.Done():
			return tools.Result{}, ctx.Err()
		}
	}
}

// setupSignalHandling cancels the context on interrupt so servers and
// queued jobs are shut down cleanly
func setupSignalHandling(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
