package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xxtea01/shareserve/api/mpc"
	"github.com/xxtea01/shareserve/api/transport/tcpnet"
	"github.com/xxtea01/shareserve/internal/config"
	"github.com/xxtea01/shareserve/internal/logging"
)

func newPartyCmd() *cobra.Command {
	var (
		configPath  string
		index       int
		meshTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "party",
		Short: "Run one party server for an externally managed cluster",
		Long: "party binds this party's endpoint, waits for the rest of the mesh to\n" +
			"connect, and then serves protocol rounds until stopped. Start every\n" +
			"configured party before asking the coordinator to start the cluster.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParty(cmd, configPath, index, meshTimeout)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().IntVar(&index, "index", 0, "this party's index in the configured party list")
	cmd.Flags().DurationVar(&meshTimeout, "mesh-timeout", 10*time.Minute,
		"how long to wait for the rest of the mesh before giving up")

	return cmd
}

func runParty(cmd *cobra.Command, configPath string, index int, meshTimeout time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	parties := cfg.Cluster.Parties
	if index < 0 || index >= len(parties) {
		return fmt.Errorf("party index %d out of range for %d configured parties", index, len(parties))
	}
	self := parties[index]

	logger, closer, err := logging.New(self.Name+" ", logging.Options{
		File:  cfg.Log.File,
		Quiet: cfg.Log.Quiet,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	p, err := mpc.NewParty(index, len(parties), mpc.PartyOptions{
		RoundTimeout: cfg.Cluster.RoundTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	addrs := make(map[int]string, len(parties))
	for i, pc := range parties {
		addrs[i] = net.JoinHostPort(pc.Host, strconv.Itoa(pc.Port))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx, tcpnet.Config{
		Addrs:       addrs,
		DialTimeout: meshTimeout,
	}); err != nil {
		return err
	}
	logger.Printf("party %d (%s) listening on %s, waiting for the mesh", index, self.Name, addrs[index])

	select {
	case <-ctx.Done():
		logger.Printf("signal received, shutting down")
		if err := p.Stop(); err != nil && !errors.Is(err, mpc.ErrAlreadyStopped) {
			return err
		}
		<-p.Done()
		return nil
	case <-p.Done():
		if p.State() != mpc.StateStopped {
			return fmt.Errorf("party %d exited before the mesh formed", index)
		}
		logger.Printf("stopped by the coordinator")
		return nil
	}
}
