/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/storagemodels"
)

const membershipArgs = "PERSON TARGET COLLECTION"

// GrantCmd creates a membership
var GrantCmd = &cobra.Command{
	Use:   "grant " + membershipArgs,
	Short: "Add a person to a collection of a target",
	Long: `Add a person to a collection of a target.

References are written as type:id. --expires takes an RFC 3339 instant or a
duration from now; without it the membership never expires.

Examples:
  membership grant user:42 club:7 members
  membership grant user:42 club:7 owner --expires 720h`,
	Args: cobra.ExactArgs(3),
	RunE: runGrant,
}

// RevokeCmd deletes a membership
var RevokeCmd = &cobra.Command{
	Use:   "revoke " + membershipArgs,
	Short: "Remove a person from a collection of a target",
	Args:  cobra.ExactArgs(3),
	RunE:  runRevoke,
}

// RenewCmd renews a membership
var RenewCmd = &cobra.Command{
	Use:   "renew " + membershipArgs,
	Short: "Set a new future expiry on a membership",
	Long: `Set a new expiry on a membership. The expiry must be in the future;
without --expires the membership becomes permanent.`,
	Args: cobra.ExactArgs(3),
	RunE: runRenew,
}

// ExpireCmd overrides the expiry of a membership
var ExpireCmd = &cobra.Command{
	Use:   "expire " + membershipArgs,
	Short: "Override the expiry of a membership",
	Long: `Override the expiry of a membership without checking it lies in the
future. Use --at now to expire a membership immediately or --never to clear
the expiry.`,
	Args: cobra.ExactArgs(3),
	RunE: runExpire,
}

// CheckCmd reports whether a membership is active
var CheckCmd = &cobra.Command{
	Use:   "check " + membershipArgs,
	Short: "Report whether a person is an active member",
	Args:  cobra.ExactArgs(3),
	RunE:  runCheck,
}

var (
	expiresFlag string
	atFlag      string
	neverFlag   bool
)

func init() {
	GrantCmd.Flags().StringVar(&expiresFlag, "expires", "", "Expiry as RFC 3339 instant or duration from now")
	RenewCmd.Flags().StringVar(&expiresFlag, "expires", "", "Expiry as RFC 3339 instant or duration from now")
	ExpireCmd.Flags().StringVar(&atFlag, "at", "", "New expiry as RFC 3339 instant, duration from now, or \"now\"")
	ExpireCmd.Flags().BoolVar(&neverFlag, "never", false, "Clear the expiry")
	ExpireCmd.MarkFlagsMutuallyExclusive("at", "never")
	ExpireCmd.MarkFlagsOneRequired("at", "never")
}

type membershipArgsParsed struct {
	person     storagemodels.Ref
	target     storagemodels.Ref
	collection string
}

func parseMembershipArgs(args []string) (membershipArgsParsed, error) {
	person, err := storagemodels.ParseRef(args[0])
	if err != nil {
		return membershipArgsParsed{}, errors.Wrap(err, "person")
	}
	target, err := storagemodels.ParseRef(args[1])
	if err != nil {
		return membershipArgsParsed{}, errors.Wrap(err, "target")
	}
	return membershipArgsParsed{person: person, target: target, collection: args[2]}, nil
}

// parseExpiry reads an optional instant. An empty value means no expiry.
func parseExpiry(s string, now time.Time) (*time.Time, error) {
	switch s {
	case "":
		return nil, nil
	case "now":
		t := storagemodels.Normalize(now)
		return &t, nil
	}
	t, err := storagemodels.ParseInstant(s, now)
	if err != nil {
		return nil, errors.NewValidationError("expires", fmt.Sprintf("%q is neither an instant nor a duration", s))
	}
	return &t, nil
}

// withApp parses the membership arguments and runs fn against an opened app.
func withApp(cmd *cobra.Command, args []string, fn func(ctx context.Context, a *app, m membershipArgsParsed) error) error {
	m, err := parseMembershipArgs(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a, m)
}

func runGrant(cmd *cobra.Command, args []string) error {
	expiresAt, err := parseExpiry(expiresFlag, time.Now())
	if err != nil {
		return err
	}
	return withApp(cmd, args, func(ctx context.Context, a *app, m membershipArgsParsed) error {
		created, err := a.store.Create(ctx, m.person, m.target, m.collection, expiresAt)
		if err != nil {
			return err
		}
		return printView(cmd.OutOrStdout(), storagemodels.NewView(created, time.Now()))
	})
}

func runRevoke(cmd *cobra.Command, args []string) error {
	return withApp(cmd, args, func(ctx context.Context, a *app, m membershipArgsParsed) error {
		removed, err := a.store.Revoke(ctx, m.person, m.target, m.collection)
		if err != nil {
			return err
		}
		return printView(cmd.OutOrStdout(), storagemodels.NewView(removed, time.Now()))
	})
}

func runRenew(cmd *cobra.Command, args []string) error {
	expiresAt, err := parseExpiry(expiresFlag, time.Now())
	if err != nil {
		return err
	}
	return withApp(cmd, args, func(ctx context.Context, a *app, m membershipArgsParsed) error {
		ok, err := a.store.Renew(ctx, m.person, m.target, m.collection, expiresAt)
		if err != nil {
			return err
		}
		return reportFound(cmd.OutOrStdout(), ok, "renewed")
	})
}

func runExpire(cmd *cobra.Command, args []string) error {
	var expiresAt *time.Time
	if !neverFlag {
		var err error
		if expiresAt, err = parseExpiry(atFlag, time.Now()); err != nil {
			return err
		}
	}
	return withApp(cmd, args, func(ctx context.Context, a *app, m membershipArgsParsed) error {
		ok, err := a.store.UpdateExpiry(ctx, m.person, m.target, m.collection, expiresAt)
		if err != nil {
			return err
		}
		return reportFound(cmd.OutOrStdout(), ok, "updated")
	})
}

func runCheck(cmd *cobra.Command, args []string) error {
	return withApp(cmd, args, func(ctx context.Context, a *app, m membershipArgsParsed) error {
		ok, err := a.store.Exists(ctx, m.person, m.target, m.collection)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ok)
		return nil
	})
}

func reportFound(w io.Writer, ok bool, verb string) error {
	if !ok {
		return errors.NewNotFoundError("membership")
	}
	fmt.Fprintln(w, verb)
	return nil
}

func printView(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "formatting JSON")
	}
	fmt.Fprintln(w, string(out))
	return nil
}
