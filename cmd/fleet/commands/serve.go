package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fleet/pkg/api"
	"github.com/openfroyo/fleet/pkg/broker"
	"github.com/openfroyo/fleet/pkg/config"
	"github.com/openfroyo/fleet/pkg/fleet"
	"github.com/openfroyo/fleet/pkg/policy"
	"github.com/openfroyo/fleet/pkg/stores"
	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/transport"
	"github.com/openfroyo/fleet/pkg/types"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Run the control plane.

This command:
  - Opens the configured store (badger, sqlite or memory)
  - Loads the admission policies and watches them for changes
  - Accepts agent streams on /api/v1/stream
  - Serves the admin API under /api/v1
  - Resumes rollouts that wait for offline peers`,
		Example: `  # Serve with defaults
  fleet serve

  # Serve with a settings file
  fleet serve --config /etc/fleet/fleet.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), settings, version)
		},
	}
	return cmd
}

func serve(ctx context.Context, settings *config.Settings, version string) (err error) {
	telCfg := settings.TelemetryConfig("fleet", version)
	// Rollouts resume on peer-connected events.
	telCfg.Events.Enabled = true

	tel, err := telemetry.New(telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = tel.Logger.Zerolog()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := tel.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("Telemetry shutdown failed")
		}
	}()
	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	store, err := stores.Open(ctx, settings.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	engine, err := policy.NewEngine(tel.Logger.NewComponentLogger("policy").Zerolog())
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	defer engine.Close()
	if settings.Policy.Watch {
		err = engine.Watch(ctx, settings.Policy.Paths)
	} else {
		err = engine.LoadPolicies(ctx, settings.Policy.Paths)
	}
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	b := broker.New(fleet.ConfigurationLoader{Store: store}, settings.BrokerOptions(), tel)
	b.Start(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(shutdownCtx)
	}()

	options := fleet.DefaultOptions()
	options.BridgeNameDefault = types.NetworkInterfaceName(settings.Network.Bridge.Default)
	manager, err := fleet.NewManager(fleet.Config{
		Store:     store,
		Messenger: b,
		Admission: engine,
		Telemetry: tel,
		Options:   options,
	})
	if err != nil {
		return err
	}
	manager.WatchPeerConnections(ctx)
	if err := manager.ResumePendingRollouts(ctx); err != nil {
		log.Warn().Err(err).Msg("Resuming pending rollouts failed")
	}

	var auth *transport.Authenticator
	if settings.Auth.Enabled {
		auth, err = transport.NewAuthenticator(settings.Auth.Secret, settings.Auth.Issuer)
		if err != nil {
			return err
		}
	}

	gin.SetMode(gin.ReleaseMode)
	server, err := api.NewServer(api.Config{
		Fleet:     manager,
		Stream:    transport.NewHandler(b, auth, tel),
		Auth:      auth,
		TokenTTL:  settings.Auth.TokenTTL,
		Telemetry: tel,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("address", settings.BindAddress()).
		Str("storage", settings.Storage.Backend).
		Int("policies", len(engine.ListPolicies())).
		Bool("auth", auth != nil).
		Msg("Starting control plane")

	return server.Run(ctx, settings.BindAddress())
}
