package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/StricklySoft/accessgate/pkg/auth"
	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

// keysOutput is printed by the keys command.
type keysOutput struct {
	URL       string    `json:"url"`
	FetchedAt time.Time `json:"fetched_at"`
	KeyIDs    []string  `json:"key_ids"`
}

func newKeysCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Fetch the identity provider's key set and list its key ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			keys, err := providerKeys(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.JWKSTimeout)
			defer cancel()
			if err := keys.Refresh(ctx); err != nil {
				return err
			}

			ks := keys.Current()
			return printJSON(cmd, keysOutput{
				URL:       cfg.KeySetURL(),
				FetchedAt: ks.FetchedAt().UTC(),
				KeyIDs:    ks.KeyIDs(),
			})
		},
	}
}

// providerKeys builds an unlogged key cache for one-shot commands.
func providerKeys(cfg *Config) (*auth.KeySetCache, error) {
	if cfg.DevMode {
		return nil, sserr.New(sserr.CodeValidation, "no identity provider is configured in dev_mode")
	}
	return newKeySetCache(cfg, zap.NewNop(), nil)
}
