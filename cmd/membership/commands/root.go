/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd assembles the membership command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "membership",
		Short: "Manage expiring memberships between persons and targets",
		Long: `membership - typed, expiring associations between persons and targets.

Available commands:
  grant    - Add a person to a collection of a target
  revoke   - Remove a membership
  renew    - Set a new future expiry
  expire   - Override an expiry
  check    - Report whether a membership is active
  list     - List memberships as JSON
  sweep    - Remove expired memberships once
  run      - Sweep periodically
  migrate  - Create or update the backend schema

Configuration is read from --config, a .env file and MEMBERSHIP_* variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == VersionCmd.Name() {
				return nil
			}
			return Setup()
		},
	}
	root.PersistentFlags().StringVarP(&ConfigPath, "config", "c", "", "Configuration file (yaml)")

	root.AddCommand(GrantCmd, RevokeCmd, RenewCmd, ExpireCmd, CheckCmd)
	root.AddCommand(ListCmd, SweepCmd, RunCmd, MigrateCmd, VersionCmd)
	return root
}
