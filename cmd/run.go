package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/LogicIQ/orbit/controllers"
	"github.com/LogicIQ/orbit/election"
	"github.com/LogicIQ/orbit/repository"
	"github.com/LogicIQ/orbit/runtime"
	"github.com/LogicIQ/orbit/storage"
	"github.com/LogicIQ/orbit/watcher"
	"github.com/LogicIQ/orbit/workspace"
)

type runOptions struct {
	backend       string
	etcdEndpoints []string
	dialTimeout   time.Duration

	watcherID      string
	workers        int
	resyncInterval time.Duration

	leaderElect   bool
	lockName      string
	leaseDuration time.Duration
	renewDeadline time.Duration
	retryPeriod   time.Duration

	provisioningTimeout time.Duration
	provisionDelay      time.Duration
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the runtime with the workspace controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuntime(opts)
		},
	}

	cmd.Flags().StringVar(&opts.backend, "backend", "etcd", "Storage backend (etcd, memory)")
	cmd.Flags().StringSliceVar(&opts.etcdEndpoints, "etcd-endpoints", []string{"localhost:2379"}, "etcd endpoints")
	cmd.Flags().DurationVar(&opts.dialTimeout, "etcd-dial-timeout", 5*time.Second, "etcd dial timeout")
	cmd.Flags().StringVar(&opts.watcherID, "watcher-id", "", "Stable watcher identity for bookmark resumption (defaults to hostname)")
	cmd.Flags().IntVar(&opts.workers, "workers", 4, "Reconcile worker count")
	cmd.Flags().DurationVar(&opts.resyncInterval, "resync-interval", 10*time.Second, "Full resync sweep period")
	cmd.Flags().BoolVar(&opts.leaderElect, "leader-elect", false,
		"Enable leader election. Enabling this will ensure there is only one active reconciler across instances.")
	cmd.Flags().StringVar(&opts.lockName, "lock-name", "orbit-workspace", "Leader election lock name")
	cmd.Flags().DurationVar(&opts.leaseDuration, "lease-duration", 15*time.Second, "Leader lease duration")
	cmd.Flags().DurationVar(&opts.renewDeadline, "renew-deadline", 10*time.Second, "Leader renew deadline")
	cmd.Flags().DurationVar(&opts.retryPeriod, "retry-period", 2*time.Second, "Leader election retry period")
	cmd.Flags().DurationVar(&opts.provisioningTimeout, "provisioning-timeout", workspace.DefaultProvisioningTimeout, "How long a workspace may stay in Provisioning before it is failed")
	cmd.Flags().DurationVar(&opts.provisionDelay, "provision-delay", 5*time.Second, "Simulated provisioning delay of the built-in provisioner")

	return cmd
}

func runRuntime(opts *runOptions) error {
	log := zapr.NewLogger(logger)

	logger.Info("Starting orbit runtime",
		zap.String("version", version),
		zap.String("backend", opts.backend),
		zap.Bool("leader-election", opts.leaderElect))

	var backend storage.Backend
	switch opts.backend {
	case "memory":
		backend = storage.NewMemory()
	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   opts.etcdEndpoints,
			DialTimeout: opts.dialTimeout,
		})
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer client.Close()
		backend = storage.NewEtcd(client, log)
	default:
		return fmt.Errorf("unknown backend %q (valid: etcd, memory)", opts.backend)
	}

	repo := repository.New[workspace.WorkspaceSpec, workspace.WorkspaceStatus](backend, workspace.Kind, log)
	reconciler := workspace.NewReconciler(
		workspace.NewDelayProvisioner(opts.provisionDelay),
		workspace.ReconcilerConfig{ProvisioningTimeout: opts.provisioningTimeout},
		log,
	)

	watcherID := opts.watcherID
	if watcherID == "" {
		watcherID, _ = os.Hostname()
	}

	cfg := runtime.Config[workspace.WorkspaceSpec, workspace.WorkspaceStatus]{
		Controller: controllers.Config{
			FinalizerName: workspace.FinalizerCleanup,
			Workers:       opts.workers,
		},
		Watcher:        watcher.Config{WatcherID: watcherID},
		ResyncInterval: opts.resyncInterval,
		SkipSweep:      workspace.Settled,
	}
	if opts.leaderElect {
		cfg.Election = &election.Config{
			LockName:      opts.lockName,
			LeaseDuration: opts.leaseDuration,
			RenewDeadline: opts.renewDeadline,
			RetryPeriod:   opts.retryPeriod,
		}
	}

	mgr, err := runtime.New(backend, repo, reconciler, cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr.Start(ctx)
	logger.Info("Runtime stopped")
	return nil
}
