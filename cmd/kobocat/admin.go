package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kobocat/internal/ingest"
	"kobocat/internal/mirror"
)

// withApp loads the configuration and runs fn against a wired app.
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(context.Context, *app) error) error {
	cfg, logger, err := flags.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func newMirrorCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "mirror", Short: "Inspect and repair the submission mirror"}
	var opts mirror.SyncOptions
	status := &cobra.Command{
		Use:   "status",
		Short: "Compare mirror document counts with the primary store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if a.reconciler == nil {
					return errors.New("mirror driver is none")
				}
				report, err := a.reconciler.SyncStatus(ctx, opts)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), report.Text)
				return nil
			})
		},
	}
	status.Flags().BoolVar(&opts.Repair, "repair", false, "write the missing documents")
	status.Flags().BoolVar(&opts.UpdateAll, "all", false, "report every form; with --repair rewrite all documents")
	status.Flags().StringVar(&opts.User, "user", "", "only forms of this user")
	status.Flags().StringVar(&opts.FormIDString, "form", "", "only this id_string (requires --user)")
	status.Flags().BoolVar(&opts.Recount, "recount", false, "rebuild submission counters")
	cmd.AddCommand(status)
	return cmd
}

func newUserCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage accounts"}
	var opts ingest.UserOptions
	var password string
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("KOBOCAT_USER_PASSWORD")
			}
			if password == "" {
				return errors.New("--password or KOBOCAT_USER_PASSWORD required")
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				u, err := a.svc.CreateUser(ctx, args[0], password, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created user %s\n", u.Username)
				return nil
			})
		},
	}
	create.Flags().StringVar(&password, "password", "", "account password")
	create.Flags().BoolVar(&opts.Superuser, "superuser", false, "grant superuser")
	create.Flags().BoolVar(&opts.RequireAuth, "require-auth", false, "require credentials for the account's forms")
	cmd.AddCommand(create)
	return cmd
}

func newFormCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "form", Short: "Manage forms"}
	var owner string
	var opts ingest.PublishOptions
	publish := &cobra.Command{
		Use:   "publish <file.xml>",
		Short: "Publish or replace an XForm",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read form: %w", err)
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				form, err := a.svc.PublishXMLForm(ctx, owner, raw, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %s/%s uuid=%s\n", form.Owner, form.IDString, form.UUID)
				return nil
			})
		},
	}
	publish.Flags().StringVar(&owner, "user", "", "owning account")
	publish.Flags().StringVar(&opts.IDString, "replace", "", "id_string of the form to replace")
	publish.Flags().BoolVar(&opts.RequireAuth, "require-auth", false, "require credentials for submissions")
	_ = publish.MarkFlagRequired("user")
	cmd.AddCommand(publish)
	return cmd
}
