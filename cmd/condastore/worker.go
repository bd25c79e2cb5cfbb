package main

import (
	"fmt"

	"github.com/conda-incubator/condastore/internal/api"
	"github.com/conda-incubator/condastore/internal/catalog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWorkerCmd(opts *globalOpts) *cobra.Command {
	var (
		id          string
		concurrency int
		noReaper    bool
		drain       bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a build worker",
		Long: `Claims queued builds and solves and runs them until interrupted.

The garbage collector runs on its configured schedule alongside the worker
unless --no-reaper is given. With --drain the worker processes the queues
until they are empty and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, opts, id, concurrency, noReaper, drain)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "worker ID (default: generated)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "build slots (default: worker.concurrency from config)")
	cmd.Flags().BoolVar(&noReaper, "no-reaper", false, "do not run the garbage collector in this process")
	cmd.Flags().BoolVar(&drain, "drain", false, "exit once the queues are empty")
	return cmd
}

func runWorker(cmd *cobra.Command, opts *globalOpts, id string, concurrency int, noReaper, drain bool) error {
	if concurrency < 0 {
		return fmt.Errorf("--concurrency must be positive")
	}
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.NewWorker(id, concurrency)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd)
	defer cancel()

	if drain {
		if err := w.Bootstrap(ctx); err != nil {
			return err
		}
		defer catalog.RemoveWorker(a.DB, w.ID())
		n := 0
		for {
			did, err := w.Step(ctx)
			if err != nil {
				return err
			}
			if !did {
				break
			}
			n++
		}
		builds, solves := w.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "Worker %s processed %d tasks (%d builds, %d solves)\n", w.ID(), n, builds, solves)
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Worker %s started\n", w.ID())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	if !noReaper {
		g.Go(func() error { return a.Reaper.Run(gctx) })
	}
	return g.Wait()
}

func newServerCmd(opts *globalOpts) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the HTTP API server",
		Long:  "Serves build registration, artifact downloads and solves over HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if port == 0 {
				port = a.Config.Server.Port
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			return api.Start(ctx, api.StartOpts{App: a, Port: port, Out: cmd.OutOrStdout()})
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default: server.port from config)")
	return cmd
}

func newReapCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one garbage collection pass",
		Long:  "Archives completed builds beyond the retention limit and releases prefixes and artifacts of failed, canceled and archived builds. Logs are kept.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			rep, err := a.Reaper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived=%d reclaimed=%d blobs_deleted=%d prefixes_removed=%d deferred=%d orphans_removed=%d\n",
				rep.Archived, rep.Reclaimed, rep.BlobsDeleted, rep.PrefixesRemoved, rep.Deferred, rep.OrphansRemoved)
			return nil
		},
	}
}
