package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"natnet/pkg/config"
	"natnet/pkg/engine"
	"natnet/pkg/monitor"
	"natnet/pkg/natnet"
	"natnet/pkg/protocol"
	"natnet/pkg/session"
	"natnet/pkg/transport"
)

// connectClient connects and waits for NAT_SERVERINFO. The caller owns the
// returned client and must Shutdown it.
func connectClient(ctx context.Context, cfg config.NatNetConfig, logger *slog.Logger, timeout time.Duration, opts ...natnet.ClientOption) (*natnet.Client, error) {
	client, err := newClient(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.WaitConnected(waitCtx); err != nil {
		_ = client.Shutdown()
		return nil, err
	}
	return client, nil
}

func monitorCmd(g *globalOptions) *cobra.Command {
	var mock bool
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Show live rigid bodies in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			hub := engine.NewHub(engine.WithBroadcastBuffer(cfg.Hub.BroadcastBuf))
			go hub.Run(ctx)
			sub := hub.SubscribeWithBuffer(cfg.Hub.ClientBuf)

			var status func() session.State
			if mock {
				src := newMockSource(3)
				status = src.State
				go src.run(ctx, hub, 60)
			} else {
				client, err := connectClient(ctx, cfg, logger, handshakeTimeout)
				if err != nil {
					return err
				}
				defer client.Shutdown()
				if err := applyRequestedVersion(ctx, client, cfg, logger); err != nil {
					return err
				}
				client.SetFrameListener(hub)
				client.SetDescriptionListener(hub)
				status = client.State
				if client.RequestModelDefinitions() < 0 {
					logger.Warn("model definition request failed")
				}
			}
			return monitor.Run(ctx, sub, status, os.Stdin, g.stdout)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().BoolVar(&mock, "mock", false, "show synthetic frames instead of connecting")
	return cmd
}

type reply struct {
	resp         protocol.Response
	unrecognized bool
}

func (r reply) String() string {
	switch {
	case r.unrecognized:
		return "unrecognized request"
	case r.resp.HasBitstream:
		return "bitstream " + r.resp.Bitstream.String()
	case r.resp.HasCode:
		return fmt.Sprintf("code %d", r.resp.Code)
	default:
		return r.resp.Text
	}
}

func commandCmd(g *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "command <text>...",
		Short: "Send NatNet request strings and print the replies",
		Long: `Send each argument as a NAT_REQUEST and print the server's reply.

Examples:
  natnetd command TimelinePlay
  natnetd command Bitstream
  natnetd command "SetProperty,,Rigid Bodies,true"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd.Flags())
			if err != nil {
				return err
			}
			replies := make(chan reply, 16)
			observer := natnet.ObserverFunc(func(_ transport.Socket, msg protocol.Message, err error) {
				if err != nil {
					return
				}
				var r reply
				switch rec := msg.Record.(type) {
				case protocol.Response:
					r.resp = rec
				default:
					if msg.ID != protocol.NatUnrecognizedRequest {
						return
					}
					r.unrecognized = true
				}
				select {
				case replies <- r:
				default:
				}
			})

			client, err := connectClient(cmd.Context(), cfg, logger, handshakeTimeout, natnet.WithObserver(observer))
			if err != nil {
				return err
			}
			defer client.Shutdown()

			for _, text := range args {
				if client.SendCommand(text) < 0 {
					return fmt.Errorf("send %q failed", text)
				}
				select {
				case r := <-replies:
					fmt.Fprintf(g.stdout, "%s: %s\n", text, r)
				case <-time.After(timeout):
					return fmt.Errorf("no reply to %q within %s", text, timeout)
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				}
			}
			return nil
		},
	}
	addClientFlags(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "time to wait for each reply")
	return cmd
}

func describeCmd(g *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Print the server's model definitions as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd.Flags())
			if err != nil {
				return err
			}
			client, err := connectClient(cmd.Context(), cfg, logger, handshakeTimeout)
			if err != nil {
				return err
			}
			defer client.Shutdown()
			if err := applyRequestedVersion(cmd.Context(), client, cfg, logger); err != nil {
				return err
			}

			got := make(chan *protocol.Descriptions, 1)
			client.SetDescriptionListener(natnet.DescriptionListenerFunc(func(descs *protocol.Descriptions) {
				select {
				case got <- descs:
				default:
				}
			}))
			if client.RequestModelDefinitions() < 0 {
				return errors.New("model definition request failed")
			}

			select {
			case descs := <-got:
				enc := json.NewEncoder(g.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(descs)
			case <-time.After(timeout):
				return fmt.Errorf("no model definitions within %s", timeout)
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		},
	}
	addClientFlags(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "time to wait for the reply")
	return cmd
}

func initCmd(g *globalOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(g.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists", g.configPath)
			}
			cfg := config.Default()
			if err := cfg.Save(g.configPath); err != nil {
				return err
			}
			fmt.Fprintln(g.stdout, "wrote", cfg.ConfigPath())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
