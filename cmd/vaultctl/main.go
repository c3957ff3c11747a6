// Command vaultctl is a one-shot CLI front-end over the vault engine: each
// invocation opens (or creates) exactly one container, performs one
// operation, and closes it again. There is no daemon and no session state
// held between invocations.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/coldvault/vault/crypto"
	"github.com/coldvault/vault/engine"
	"github.com/coldvault/vault/logging"
)

type runtimeCtxKey struct{}

type runtimeCtx struct {
	fc  fileConfig
	log *slog.Logger
}

func withRuntime(ctx context.Context, rt *runtimeCtx) context.Context {
	return context.WithValue(ctx, runtimeCtxKey{}, rt)
}

func mustRuntime(ctx context.Context) *runtimeCtx {
	rt, ok := ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
	if !ok {
		panic("vaultctl: command ran outside root Before hook")
	}
	return rt
}

// mustEngineConfig and mustLogger read the runtimeCtx the root Before hook
// attached to ctx. Every Action in commands.go/browse.go receives ctx as
// its first argument, same as the upstream host CLI's mustHost(ctx).
func mustEngineConfig(ctx context.Context) engine.Config {
	return mustRuntime(ctx).fc.engineConfig()
}

func mustLogger(ctx context.Context) *slog.Logger {
	return mustRuntime(ctx).log
}

// withOpenVault opens the vault named by --vault, runs fn, and always
// closes it afterward — the shape every mutating/reading subcommand needs.
func withOpenVault(ctx context.Context, c *cli.Command, fn func(*engine.Vault) error) error {
	path, err := vaultPathFlag(ctx, c)
	if err != nil {
		return err
	}
	pass, err := obtainPassword("Vault passphrase", false)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(pass)

	v, err := engine.Open(path, pass, mustEngineConfig(ctx), mustLogger(ctx))
	if err != nil {
		return err
	}
	defer v.Close()
	return fn(v)
}

func main() {
	app := &cli.Command{
		Name:  "vaultctl",
		Usage: "Manage an offline, zero-knowledge encrypted vault container",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "vault",
				Aliases: []string{"f"},
				Usage:   "path to the container file",
				Sources: cli.EnvVars("VAULTCTL_VAULT"),
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a TOML config file",
				Value: logging.DefaultFileInExecDir("vaultctl.toml"),
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "log file path (empty = stderr only)",
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			fc, err := loadFileConfig(c.String("config"))
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			if v := c.String("vault"); v != "" {
				fc.VaultPath = v
			}
			logCfg := logging.DefaultConfig()
			if lf := c.String("log-file"); lf != "" {
				logCfg.File = lf
			} else if fc.LogFile != "" {
				logCfg.File = fc.LogFile
			}
			logCfg.AlsoStderr = false
			logger, _ := logging.New(logCfg)

			return withRuntime(ctx, &runtimeCtx{fc: fc, log: logger}), nil
		},
		Commands: []*cli.Command{
			cmdCreate(),
			cmdList(),
			cmdBrowse(),
			cmdImport(),
			cmdStreamImport(),
			cmdRead(),
			cmdDelete(),
			cmdRename(),
			cmdCopy(),
			cmdChangePassphrase(),
			cmdCompact(),
			cmdLogs(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
