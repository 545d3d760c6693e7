package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxhq/flux/pkg/catalog"
	"github.com/fluxhq/flux/pkg/engine"
	"github.com/fluxhq/flux/pkg/events"
	"github.com/fluxhq/flux/pkg/log"
	"github.com/fluxhq/flux/pkg/manager"
	"github.com/fluxhq/flux/pkg/scheduler"
	"github.com/fluxhq/flux/pkg/secrets"
	"github.com/fluxhq/flux/pkg/server"
	"github.com/fluxhq/flux/pkg/storage"
	"github.com/fluxhq/flux/pkg/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a Flux process",
}

var startServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the control-plane server",
	Long: `Start the control plane: the HTTP API, the execution manager, and
the scheduler that dispatches work to connected workers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var startWorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a worker process",
	Long: `Start a worker that registers its compiled-in workflows with the
server and executes dispatched work.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func init() {
	startCmd.AddCommand(startServerCmd)
	startCmd.AddCommand(startWorkerCmd)
}

func runServer() error {
	store, err := storage.Open(cfg.Server.Database, cfg.Server.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open storage: %v", err)
	}
	defer store.Close()

	key := cfg.Server.EncryptionKey
	if key == "" {
		key = os.Getenv("FLUX_ENCRYPTION_KEY")
	}
	if key == "" {
		return fmt.Errorf("no encryption key: set server.encryption_key or FLUX_ENCRYPTION_KEY")
	}
	sec, err := secrets.NewManagerFromPassword(key, store)
	if err != nil {
		return err
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	mgr := manager.New(store, broker, catalog.New(store))
	srv := server.New(cfg.Server, mgr, broker, sec, store)
	sched := scheduler.New(mgr, srv.Hub(), scheduler.Config{
		RetryDispatch:  cfg.Server.RetryDispatch(),
		WorkerLiveness: cfg.Server.WorkerLiveness(),
	})

	sched.Start()
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info("server started")
	fmt.Printf("Flux server listening on %s\n", cfg.Server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func runWorker() error {
	registry := engine.Default()
	if len(registry.Names()) == 0 {
		log.Warn("no workflows registered in this binary")
	}

	w := worker.New(cfg.Worker, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nDraining worker...")
		w.Stop()
	}()

	fmt.Printf("Flux worker connecting to %s\n", cfg.Worker.ServerURL)
	return w.Run(ctx)
}
