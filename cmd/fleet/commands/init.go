package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/fleet/pkg/config"
	"github.com/openfroyo/fleet/pkg/stores"
)

const exampleManifest = `// Fleet manifest. Apply with: fleet apply -f %s
peers: {}
clusters: {}
deployments: []
`

func newInitCommand() *cobra.Command {
	var (
		backend string
		auth    bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a control plane workspace",
		Long: `Initialize a control plane workspace with settings, a data directory and an
empty manifest.

The store is created and migrated so that "fleet serve" starts on a ready
database. With --auth a random secret is generated and agent streams require
a token issued by "fleet token".`,
		Example: `  # Initialize with badger storage
  fleet init

  # Initialize with SQLite and agent authentication
  fleet init --backend sqlite --auth --config /etc/fleet/fleet.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = "./fleet.yaml"
			}
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config file %s already exists", configPath)
			}

			log.Info().
				Str("backend", backend).
				Bool("auth", auth).
				Str("config", configPath).
				Msg("Initializing workspace")

			baseDir := filepath.Dir(configPath)
			dataDir := filepath.Join(baseDir, "data")
			if err := os.MkdirAll(dataDir, 0700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Created directory: %s\n", dataDir)

			settings := config.DefaultSettings()
			settings.Storage.Backend = backend
			switch backend {
			case stores.BackendSQLite:
				settings.Storage.Path = filepath.Join(dataDir, "fleet.db")
			case stores.BackendBadger:
				settings.Storage.Path = filepath.Join(dataDir, "badger")
			default:
				settings.Storage.Path = ""
			}
			if auth {
				secret := make([]byte, 32)
				if _, err := rand.Read(secret); err != nil {
					return fmt.Errorf("failed to generate secret: %w", err)
				}
				settings.Auth.Enabled = true
				settings.Auth.Secret = hex.EncodeToString(secret)
			}
			if err := settings.Validate(); err != nil {
				return err
			}

			store, err := stores.Open(cmd.Context(), settings.StoreConfig())
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			if settings.Storage.Path != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Initialized %s store: %s\n", backend, settings.Storage.Path)
			}

			data, err := yaml.Marshal(settings)
			if err != nil {
				return fmt.Errorf("failed to encode settings: %w", err)
			}
			if err := os.WriteFile(configPath, data, 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Created config file: %s\n", configPath)

			manifestPath := filepath.Join(baseDir, "fleet.cue")
			if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
				if err := os.WriteFile(manifestPath, []byte(fmt.Sprintf(exampleManifest, manifestPath)), 0644); err != nil {
					return fmt.Errorf("failed to write manifest: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Created manifest: %s\n", manifestPath)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\nNext steps:\n")
			fmt.Fprintf(cmd.OutOrStdout(), "  1. Start the control plane:\n")
			fmt.Fprintf(cmd.OutOrStdout(), "     fleet serve --config %s\n\n", configPath)
			fmt.Fprintf(cmd.OutOrStdout(), "  2. Declare peers and clusters, then apply them:\n")
			fmt.Fprintf(cmd.OutOrStdout(), "     fleet apply -f %s\n", manifestPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "backend", stores.BackendBadger, "storage backend (badger, sqlite, memory)")
	cmd.Flags().BoolVar(&auth, "auth", false, "require tokens for agent streams")

	return cmd
}
