package telemetry_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/types"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig().ServiceOf("fleet", "1.0.0")
	cfg.Metrics.ListenAddress = ""

	tel, err := telemetry.New(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.NewComponentLogger("example").WithPeerID(types.RandomPeerID()).Debug("Application started")

	// Output can vary, so we don't specify output for this example
}

// Example_configValidation demonstrates configuration validation.
func Example_configValidation() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "verbose"

	if err := cfg.Validate(); err != nil {
		fmt.Println("invalid:", err)
	}

	// Output: invalid: invalid logging.level "verbose", want one of trace debug info warn error fatal
}
