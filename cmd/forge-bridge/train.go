package main

import (
	"fmt"
	"net"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vyvo/forge/bridge/pkg/client"
	"github.com/vyvo/forge/bridge/pkg/session"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "run a training session against a bridge; Ctrl-C aborts it",
		Args:  cobra.NoArgs,
		RunE:  doTrain,
	}
	addJobFlags(cmd)
	addServerFlag(cmd)
	return cmd
}

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "bridge base URL, default derived from listen_addr")
}

func newClient(cmd *cobra.Command) *client.Client {
	base, _ := cmd.Flags().GetString("server")
	if base == "" {
		host, port, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
			host = "localhost"
		}
		base = "http://" + net.JoinHostPort(host, port)
	}
	return client.New(base, client.WithAPIKey(cfg.APIKey))
}

func doTrain(cmd *cobra.Command, _ []string) error {
	jc, err := jobConfig(cmd)
	if err != nil {
		return err
	}
	c := newClient(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	last, err := c.Train(ctx, jc, func(ev session.Event) {
		switch ev.Type {
		case session.EventProgress:
			fmt.Fprintf(out, "[%d/%d] %s\n", ev.Step, ev.TotalSteps, ev.Log)
		default:
			fmt.Fprintln(out, strings.TrimSpace(ev.Log))
		}
	})
	if err != nil {
		return err
	}
	switch last.Type {
	case session.EventComplete:
		return nil
	case session.EventAborted:
		return fmt.Errorf("training aborted at step %d", last.Step)
	}
	return fmt.Errorf("training failed: %s", last.Message)
}
