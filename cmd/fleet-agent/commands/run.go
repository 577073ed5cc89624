package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/fleet/pkg/agent"
	"github.com/openfroyo/fleet/pkg/config"
	"github.com/openfroyo/fleet/pkg/devices"
	"github.com/openfroyo/fleet/pkg/engine"
	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/transport"
	"github.com/openfroyo/fleet/pkg/types"
)

func newRunCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the control plane and apply configurations",
		Example: `  # Run with a settings file
  fleet-agent run --config /etc/fleet/agent.yaml

  # Override the peer id
  fleet-agent run --peer-id 2f9b0d5c-6a55-4c3e-9d2c-2b8d1c6f4a10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			return run(cmd.Context(), settings, version)
		},
	}
}

func run(ctx context.Context, settings *config.Settings, version string) error {
	if settings.Peer.ID == "" {
		return errors.New("peer id is required (--peer-id, peer.id or FLEET_PEER_ID)")
	}
	selfID, err := types.ParsePeerID(settings.Peer.ID)
	if err != nil {
		return fmt.Errorf("invalid peer id: %w", err)
	}

	tel, err := telemetry.New(settings.TelemetryConfig("fleet-agent", version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = tel.Logger.Zerolog()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	deviceManagement := agent.DeviceManagement{Enabled: settings.Network.Interface.Management.Enabled}
	if deviceManagement.Enabled {
		manager, err := devices.NewNetlinkManager()
		if err != nil {
			return fmt.Errorf("failed to open netlink: %w", err)
		}
		defer manager.Close()
		deviceManagement.Manager = manager
	}

	mailbox := agent.NewMailbox()
	streamCfg := agent.StreamConfig{
		SelfID:            selfID,
		DisconnectTimeout: settings.Stream.DisconnectTimeout,
		PingDelay:         settings.Stream.PingDelay,
		RetryDelay:        settings.Stream.RetryDelay,
		DeviceManagement:  deviceManagement,
		Executors:         agent.NewExecutorManager(nil, tel),
		Metrics:           agent.NewMetricsManager(tel),
		Mailbox:           mailbox,
	}

	dial := func(ctx context.Context) (agent.Conn, error) {
		stream, err := transport.Dial(ctx, transport.DialOptions{
			URL:              settings.RemoteURL(),
			PeerID:           selfID,
			Token:            settings.Auth.Token,
			HandshakeTimeout: settings.Network.Connect.Interval,
		})
		if err != nil {
			return nil, err
		}
		return stream, nil
	}
	connectOpts := agent.ConnectOptions{
		Retries:  settings.Network.Connect.Retries,
		Interval: settings.Network.Connect.Interval,
	}

	log.Info().
		Str("peer_id", selfID.String()).
		Str("remote", settings.RemoteURL()).
		Bool("device_management", deviceManagement.Enabled).
		Msg("Starting agent")

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	applier := agent.NewApplier(engine.DefaultOptions(), tel)
	g.Go(func() error {
		return applier.Run(gctx, mailbox)
	})
	g.Go(func() error {
		defer cancel()
		return streamLoop(gctx, dial, connectOpts, streamCfg, tel)
	})

	return g.Wait()
}

// streamLoop keeps a stream open until ctx is done, the connection attempts
// are exhausted or the control plane sends a fatal status.
func streamLoop(ctx context.Context, dial agent.DialFunc, opts agent.ConnectOptions, cfg agent.StreamConfig, tel *telemetry.Telemetry) error {
	for {
		conn, err := agent.Connect(ctx, dial, opts, tel)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to connect to control plane: %w", err)
		}

		reason, err := agent.NewStream(conn, cfg, tel).Run(ctx)
		_ = conn.Close()

		switch {
		case agent.IsFatal(err):
			return err
		case ctx.Err() != nil || reason == agent.ReasonCancelled:
			return nil
		case err != nil:
			log.Warn().Err(err).Msg("Stream lost, reconnecting")
		default:
			log.Info().Str("reason", string(reason)).Msg("Stream ended, reconnecting")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.RetryDelay):
		}
	}
}
