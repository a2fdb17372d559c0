package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/circles/pkg/groups"
	"github.com/platinummonkey/circles/pkg/rbac"
	"github.com/platinummonkey/circles/pkg/storage"
)

func newMigrateCommand(env *Env) *Command {
	return &Command{
		Name:        "migrate",
		Description: "Apply pending schema migrations",
		Run: func(ctx context.Context, args []string) error {
			return env.withDB(ctx, func(db *storage.DB) error {
				applied, err := storage.Migrate(ctx, db)
				if err != nil {
					return err
				}
				env.Logger.WithField("applied", applied).Info("Migrations complete")
				fmt.Fprintf(env.Out, "applied %d migration(s)\n", applied)
				return nil
			})
		},
	}
}

func newCreateActorCommand(env *Env) *Command {
	return &Command{
		Name:        "create-actor",
		Description: "Register an actor id",
		Run: func(ctx context.Context, args []string) error {
			flags := newFlagSet("create-actor")
			id := flags.String("id", "", "Actor id as sent by the authenticating proxy")
			name := flags.String("name", "", "Display name")
			if err := flags.Parse(args); err != nil {
				return err
			}
			if strings.TrimSpace(*id) == "" {
				return fmt.Errorf("-id is required")
			}

			return env.withDB(ctx, func(db *storage.DB) error {
				actor := &rbac.Actor{ID: strings.TrimSpace(*id), DisplayName: *name}
				if err := rbac.CreateActor(ctx, db, actor); err != nil {
					return err
				}
				env.Logger.WithField("actor_id", actor.ID).Info("Actor created")
				fmt.Fprintf(env.Out, "created actor %s\n", actor.ID)
				return nil
			})
		},
	}
}

func newAdminCommand(env *Env, grant bool) *Command {
	name, desc := "revoke-admin", "Remove platform admin from an actor"
	if grant {
		name, desc = "grant-admin", "Make an actor a platform admin"
	}

	return &Command{
		Name:        name,
		Description: desc,
		Run: func(ctx context.Context, args []string) error {
			flags := newFlagSet(name)
			id := flags.String("id", "", "Target actor id")
			reason := flags.String("reason", "", "Reason recorded in the audit log")
			if err := flags.Parse(args); err != nil {
				return err
			}
			if *id == "" {
				return fmt.Errorf("-id is required")
			}

			return env.withDB(ctx, func(db *storage.DB) error {
				manager, _ := services(db)
				change, err := manager.SetPlatformAdmin(ctx, groups.SystemActorID, *id, grant, *reason, cliRequestInfo)
				if err != nil {
					return err
				}
				changed := change.Before != change.After
				env.Logger.WithFields(logrus.Fields{
					"actor_id": *id,
					"admin":    grant,
					"changed":  changed,
				}).Info("Platform admin updated")
				if !changed {
					fmt.Fprintf(env.Out, "%s unchanged\n", *id)
					return nil
				}
				fmt.Fprintf(env.Out, "%s platform admin: %t\n", *id, grant)
				return nil
			})
		},
	}
}

func newSweepCommand(env *Env) *Command {
	return &Command{
		Name:        "sweep-invites",
		Description: "Deactivate expired and used-up invite codes",
		Run: func(ctx context.Context, args []string) error {
			return env.withDB(ctx, func(db *storage.DB) error {
				_, svc := services(db)
				n, err := svc.DeactivateStale(ctx)
				if err != nil {
					return err
				}
				env.Logger.WithField("deactivated", n).Info("Invite sweep complete")
				fmt.Fprintf(env.Out, "deactivated %d invite code(s)\n", n)
				return nil
			})
		},
	}
}
