package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate ADDRESS",
		Short: "Check an address with the Mailgun validation API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			// Keep stdout for the JSON result.
			setupLogger(os.Stderr, cfg.Logging.Level)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			result, ok := newMailgunClient(cfg).ValidateEmail(ctx, args[0])
			if !ok {
				fmt.Fprintf(cmd.ErrOrStderr(), "validation failed for %s\n", args[0])
				return errors.New("validation failed")
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}
}
