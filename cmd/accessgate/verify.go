package main

import (
	"bufio"
	"strings"

	"github.com/spf13/cobra"

	sserr "github.com/StricklySoft/accessgate/pkg/errors"
	"github.com/StricklySoft/accessgate/pkg/server"
)

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [token]",
		Short: "Authenticate a token and print the resulting identity",
		Long:  "Authenticate a token and print the resulting identity. The token is read from stdin when no argument is given; a leading \"Bearer \" is accepted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd, args)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			keys, err := providerKeys(cfg)
			if err != nil {
				return err
			}
			authn, err := newAuthenticator(cfg, keys)
			if err != nil {
				return err
			}

			id, err := authn.Authenticate(cmd.Context(), token)
			if err != nil {
				return err
			}
			return printJSON(cmd, server.NewIdentityView(id))
		},
	}
}

func readToken(cmd *cobra.Command, args []string) (string, error) {
	var raw string
	if len(args) == 1 {
		raw = args[0]
	} else {
		sc := bufio.NewScanner(cmd.InOrStdin())
		sc.Buffer(make([]byte, 0, 4096), 64*1024)
		if sc.Scan() {
			raw = sc.Text()
		}
		if err := sc.Err(); err != nil {
			return "", sserr.Wrap(err, sserr.CodeValidationFormat, "failed to read token from stdin")
		}
	}

	raw = strings.TrimSpace(raw)
	if scheme, rest, ok := strings.Cut(raw, " "); ok && strings.EqualFold(scheme, "bearer") {
		raw = strings.TrimSpace(rest)
	}
	if raw == "" {
		return "", sserr.New(sserr.CodeCredentialsMissing, "no token given")
	}
	return raw, nil
}
