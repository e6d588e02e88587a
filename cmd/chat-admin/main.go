package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tariel-x/invitechat/internal/config"
	applog "github.com/tariel-x/invitechat/internal/log"
	"github.com/tariel-x/invitechat/internal/service"
	"github.com/tariel-x/invitechat/internal/storage"
)

// A small CLI for managing invite codes and moderating users directly
// against the chat database.

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// logBroadcaster stands in for the hub: the CLI has no live sessions, so
// moderation events are only logged.
type logBroadcaster struct {
	logger zerolog.Logger
}

func (b logBroadcaster) BroadcastModerationEvent(ev service.ModerationEvent) {
	b.logger.Info().
		Uint("target_user_id", ev.TargetUserID).
		Uint("actor_id", ev.ActorID).
		Str("action", string(ev.Action)).
		Int("minutes", ev.Minutes).
		Msg("moderation event not broadcast, no live sessions")
}

type app struct {
	store   *storage.Store
	reg     *service.Registration
	mod     *service.Moderation
	dir     *service.Directory
	adminID uint
	out     io.Writer
}

func (a *app) print(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(b))
	return err
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{out: stdout}
	var adminID uint

	flagSet := config.FlagSet()
	rootCmd := &cobra.Command{
		Use:           "chat-admin",
		Short:         "Administer invite codes and users",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagSet)
			if err != nil {
				return err
			}
			logger := applog.InitWriter(stderr, cfg.Env, cfg.LogLevel)

			roles, err := cfg.BootstrapRoles()
			if err != nil {
				return err
			}
			store, err := storage.Open(storage.Options{Type: cfg.Database.Type, DSN: cfg.Database.DSN}, logger)
			if err != nil {
				return err
			}
			codes := make([]string, 0, len(roles))
			for code := range roles {
				codes = append(codes, code)
			}
			sort.Strings(codes)
			if err := store.Migrate(cmd.Context(), codes, time.Now()); err != nil {
				_ = store.Close()
				return err
			}

			a.store = store
			a.adminID = adminID
			a.mod = service.NewModeration(store, logBroadcaster{logger: logger}, logger)
			a.dir = service.NewDirectory(store, a.mod)
			a.reg, err = service.NewRegistration(store, a.mod, roles, logger)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.store == nil {
				return nil
			}
			return a.store.Close()
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetGlobalNormalizationFunc(flagSet.GetNormalizeFunc())
	rootCmd.PersistentFlags().AddFlagSet(flagSet)
	rootCmd.PersistentFlags().UintVar(&adminID, "admin-id", 0, "id of the admin the actions are attributed to")

	rootCmd.AddCommand(codesCmd(a), usersCmd(a))
	return rootCmd
}

func codesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "codes", Short: "Manage invite codes"}

	cmdList := &cobra.Command{
		Use:   "list",
		Short: "List invite codes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			codes, err := a.reg.ListCodes(cmd.Context(), a.adminID)
			if err != nil {
				return err
			}
			return a.print(codes)
		},
	}
	cmdGenerate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new invite code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := a.reg.GenerateCode(cmd.Context(), a.adminID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, code)
			return err
		},
	}
	cmdDeactivate := &cobra.Command{
		Use:   "deactivate [code]",
		Short: "Deactivate an invite code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.mod.IsAdmin(cmd.Context(), a.adminID) {
				return service.ErrForbidden
			}
			return a.reg.DeactivateCode(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(cmdList, cmdGenerate, cmdDeactivate)
	return cmd
}

func usersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "users", Short: "Inspect and moderate users"}

	cmdList := &cobra.Command{
		Use:   "list",
		Short: "List users with their message counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := a.dir.ListUsers(cmd.Context(), a.adminID)
			if err != nil {
				return err
			}
			return a.print(users)
		},
	}
	cmd.AddCommand(cmdList)

	simple := []struct {
		use    string
		short  string
		action service.Action
	}{
		{"ban", "Ban a user", service.ActionBan},
		{"unban", "Lift a ban", service.ActionUnban},
		{"unmute", "Lift a mute", service.ActionUnmute},
		{"promote", "Make a user an admin", service.ActionMakeAdmin},
	}
	for _, s := range simple {
		action := s.action
		cmd.AddCommand(&cobra.Command{
			Use:   s.use + " [user id or nickname]",
			Short: s.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.apply(cmd.Context(), args[0], action, service.ActionParams{})
			},
		})
	}

	var minutes int
	cmdMute := &cobra.Command{
		Use:   "mute [user id or nickname]",
		Short: "Mute a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.apply(cmd.Context(), args[0], service.ActionMute, service.MuteFor(minutes))
		},
	}
	cmdMute.Flags().IntVar(&minutes, "minutes", service.DefaultMuteMinutes, "mute duration in minutes")
	cmd.AddCommand(cmdMute)

	return cmd
}

func (a *app) apply(ctx context.Context, target string, action service.Action, params service.ActionParams) error {
	id, err := a.resolveUser(ctx, target)
	if err != nil {
		return err
	}
	if err := a.mod.ApplyAction(ctx, a.adminID, id, action, params); err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "%s applied to user %d\n", action, id)
	return err
}

// resolveUser accepts a numeric id or a nickname.
func (a *app) resolveUser(ctx context.Context, target string) (uint, error) {
	if id, err := strconv.ParseUint(target, 10, 64); err == nil {
		if id == 0 {
			return 0, fmt.Errorf("invalid user id %q", target)
		}
		return uint(id), nil
	}
	user, err := a.store.UserByNickname(ctx, target)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("user %q: %w", target, service.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return user.ID, nil
}
