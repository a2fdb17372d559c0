package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/circles/pkg/audit"
	"github.com/platinummonkey/circles/pkg/config"
	"github.com/platinummonkey/circles/pkg/groups"
	"github.com/platinummonkey/circles/pkg/invites"
	"github.com/platinummonkey/circles/pkg/observability"
	"github.com/platinummonkey/circles/pkg/rbac"
	"github.com/platinummonkey/circles/pkg/storage"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args []string) error
	Subcommands map[string]*Command
}

// Env carries what the commands need from the outside world
type Env struct {
	// OpenDB returns the database and a function releasing it
	OpenDB func(ctx context.Context) (*storage.DB, func(), error)
	Logger *logrus.Logger
	Out    io.Writer
}

// DefaultEnv opens the database described by the service configuration
func DefaultEnv(logger *logrus.Logger) *Env {
	return &Env{
		OpenDB: func(ctx context.Context) (*storage.DB, func(), error) {
			cfg, err := config.LoadConfig()
			if err != nil {
				return nil, nil, err
			}
			db, err := storage.Open(ctx, cfg.Storage, nil)
			if err != nil {
				return nil, nil, err
			}
			return db, func() { db.Close() }, nil
		},
		Logger: logger,
		Out:    os.Stdout,
	}
}

// NewRootCommand creates the root command
func NewRootCommand(env *Env) *Command {
	root := &Command{
		Name:        "circlesctl",
		Description: "circlesctl - operator tooling for circles",
		Subcommands: make(map[string]*Command),
	}

	root.Subcommands["migrate"] = newMigrateCommand(env)
	root.Subcommands["create-actor"] = newCreateActorCommand(env)
	root.Subcommands["grant-admin"] = newAdminCommand(env, true)
	root.Subcommands["revoke-admin"] = newAdminCommand(env, false)
	root.Subcommands["sweep-invites"] = newSweepCommand(env)

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		return c.usage(os.Stdout)
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(ctx, args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

func (c *Command) usage(w io.Writer) error {
	fmt.Fprintf(w, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(w, "Commands:\n")
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// withDB opens the database for the duration of fn
func (e *Env) withDB(ctx context.Context, fn func(db *storage.DB) error) error {
	db, release, err := e.OpenDB(ctx)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer release()
	return fn(db)
}

// services builds the domain services the way the server does, without metrics
func services(db *storage.DB) (*groups.Manager, *invites.Service) {
	logger := observability.NopLogger()
	perms := rbac.NewService(db, nil, logger)
	auditLog := audit.NewLog(db, nil)
	return groups.NewManager(db, perms, auditLog, nil, logger),
		invites.NewService(db, perms, auditLog, nil, logger)
}

// cliRequestInfo marks audit entries written from the command line
var cliRequestInfo = audit.RequestInfo{UserAgent: "circlesctl"}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}
