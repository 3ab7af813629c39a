package main

import (
	"errors"
	"fmt"

	"frame-index-go/pkg/token"

	"github.com/spf13/cobra"
)

func newTokenCmd(cc *cliContext) *cobra.Command {
	var (
		subject string
		scopes  []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a service token for the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cc.cfg.JWT.Secret == "" {
				return errors.New("jwt.secret is not configured")
			}
			m := token.NewJWTManager(cc.cfg.JWT.Secret, cc.cfg.JWT.TokenExpireHours)
			tok, err := m.GenerateToken(subject, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "caller identity recorded in the token")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to grant: ingest, search, admin (default ingest,search)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
