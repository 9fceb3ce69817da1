package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xxtea01/shareserve/api/cluster"
	"github.com/xxtea01/shareserve/api/mpc"
	"github.com/xxtea01/shareserve/api/serving"
	"github.com/xxtea01/shareserve/internal/activity"
	"github.com/xxtea01/shareserve/internal/config"
	"github.com/xxtea01/shareserve/internal/httpapi"
	"github.com/xxtea01/shareserve/internal/logging"
	"github.com/xxtea01/shareserve/internal/registry"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator and its HTTP API",
		Long: "serve loads the model, opens the request registry, and exposes the\n" +
			"cluster and serving lifecycle over HTTP. The cluster itself is started\n" +
			"through POST /api/cluster/start once the parties are reachable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")

	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New("coordinator ", logging.Options{
		File:  cfg.Log.File,
		Quiet: cfg.Log.Quiet,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	m, err := loadModel(cfg)
	if err != nil {
		return err
	}
	logger.Printf("model %q: %d layers, %d -> %d", m.Name, len(m.Layers), m.InputDim(), m.OutputDim())

	clusterCfg, err := cfg.ClusterConfig(logger)
	if err != nil {
		return err
	}
	cl, err := cluster.New(clusterCfg)
	if err != nil {
		return err
	}

	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		return err
	}
	defer reg.Close()

	srv, err := httpapi.New(httpapi.Options{
		Cluster: cl,
		Model:   m,
		Serving: serving.Options{
			FracBits:      cfg.Model.FracBits,
			MaxConcurrent: cfg.Serving.MaxConcurrent,
			Logger:        logger,
		},
		Registry:  reg,
		Activity:  activity.NewLog(activity.DefaultCapacity),
		Logger:    logger,
		RateLimit: cfg.Serving.RateLimit,
		DocsDir:   cfg.Docs.Dir,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.HTTP.Addr()) }()

	select {
	case <-ctx.Done():
		logger.Printf("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	if err := cl.Stop(); err != nil && !errors.Is(err, mpc.ErrAlreadyStopped) {
		logger.Printf("cluster stop: %v", err)
	}
	return nil
}
