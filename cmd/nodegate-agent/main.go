package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atvirokodosprendimai/nodegate/internal/agent"
	"github.com/atvirokodosprendimai/nodegate/internal/agent/docker"
	"github.com/atvirokodosprendimai/nodegate/internal/messaging"
	"github.com/go-logr/stdr"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "nodegate-agent",
		Usage: "Answer environment verification requests for this node.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "nats-url", Value: "nats://127.0.0.1:4222", Usage: "NATS server URL", Sources: cli.EnvVars("NODEGATE_NATS_URL")},
			&cli.StringFlag{Name: "node-name", Usage: "Name of this node as the cluster knows it (defaults to the hostname)", Sources: cli.EnvVars("NODEGATE_NODE_NAME")},
			&cli.StringFlag{Name: "profile", Usage: "Path to the YAML check profile", Sources: cli.EnvVars("NODEGATE_PROFILE")},
			&cli.DurationFlag{Name: "check-timeout", Value: 90 * time.Second, Usage: "Upper bound for one environment check", Sources: cli.EnvVars("NODEGATE_CHECK_TIMEOUT")},
			&cli.IntFlag{Name: "v", Value: 0, Usage: "Log verbosity"},
		},
		Action: runAgent,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runAgent(ctx context.Context, cmd *cli.Command) error {
	stdr.SetVerbosity(cmd.Int("v"))
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags)).WithName("nodegate-agent")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodeName := cmd.String("node-name")
	if nodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("could not determine node name: %w", err)
		}
		nodeName = hostname
	}
	logger.Info("starting nodegate agent", "node", nodeName)

	profile, err := agent.LoadProfile(cmd.String("profile"))
	if err != nil {
		return err
	}

	dockerClient, err := docker.NewClient(logger)
	if err != nil {
		return err
	}
	defer dockerClient.Close()

	checker, err := agent.NewChecker(dockerClient, profile, logger)
	if err != nil {
		return err
	}

	nc, err := messaging.Connect(cmd.String("nats-url"), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	return agent.Serve(ctx, nc, nodeName, checker, cmd.Duration("check-timeout"), logger)
}
