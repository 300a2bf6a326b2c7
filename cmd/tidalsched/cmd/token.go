package cmd

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"tidalsched/pkg/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the status API",
	Long:  `Mint an HS256 token signed with API_JWT_SECRET. POST /api/v1/runs needs the operator role or higher.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		secret := v.GetString("api_jwt_secret")
		if secret == "" {
			return errors.New("API_JWT_SECRET is not set")
		}

		roleName, _ := cmd.Flags().GetString("role")
		role, err := auth.ParseRole(roleName)
		if err != nil {
			return err
		}
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		jwtCfg := auth.DefaultJWTConfig(secret)
		if ttl > 0 {
			jwtCfg.TokenExpiry = ttl
		}
		svc, err := auth.NewJWTService(jwtCfg)
		if err != nil {
			return err
		}
		token, err := svc.GenerateToken(subject, role, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("role", string(auth.RoleOperator), "role: viewer, operator or admin")
	tokenCmd.Flags().String("subject", "operator", "token subject")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default 720h)")
	rootCmd.AddCommand(tokenCmd)
}
