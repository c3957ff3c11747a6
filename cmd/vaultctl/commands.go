package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"
	"github.com/urfave/cli/v3"

	"github.com/coldvault/vault/crypto"
	"github.com/coldvault/vault/engine"
	"github.com/coldvault/vault/logging"
	"github.com/coldvault/vault/vindex"
)

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func parseFileID(s string) ([vindex.FileIDSize]byte, error) {
	var id [vindex.FileIDSize]byte
	b, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("invalid file_id %q: %w", s, err)
	}
	if len(b) != vindex.FileIDSize {
		return id, fmt.Errorf("invalid file_id %q: decodes to %d bytes, want %d", s, len(b), vindex.FileIDSize)
	}
	copy(id[:], b)
	return id, nil
}

func parseEntryType(s string) vindex.EntryType {
	switch s {
	case "image":
		return vindex.TypeImage
	case "video":
		return vindex.TypeVideo
	case "audio":
		return vindex.TypeAudio
	case "document":
		return vindex.TypeDocument
	case "text":
		return vindex.TypeText
	default:
		return vindex.TypeBinary
	}
}

func vaultPathFlag(ctx context.Context, c *cli.Command) (string, error) {
	path := c.String("vault")
	if path == "" {
		path = mustRuntime(ctx).fc.VaultPath
	}
	if path == "" {
		return "", fmt.Errorf("--vault is required (or set vault_path in the config file)")
	}
	return path, nil
}

func cmdCreate() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create a new, empty vault container",
		Action: func(ctx context.Context, c *cli.Command) error {
			path, err := vaultPathFlag(ctx, c)
			if err != nil {
				return err
			}
			pass, err := obtainNewPassword("Vault passphrase")
			if err != nil {
				return err
			}
			defer crypto.Zeroize(pass)

			v, err := engine.Create(path, pass, mustEngineConfig(ctx), mustLogger(ctx))
			if err != nil {
				return err
			}
			defer v.Close()
			fmt.Printf("Created vault at %s\n", path)
			return nil
		},
	}
}

func cmdList() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List every file catalogued in the vault",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withOpenVault(ctx, c, func(v *engine.Vault) error {
				entries, err := v.List()
				if err != nil {
					return err
				}
				if !isTTY(os.Stdout) {
					return json.NewEncoder(os.Stdout).Encode(entries)
				}
				fmt.Println(renderEntryTable(entries))
				return nil
			})
		},
	}
}

func cmdBrowse() *cli.Command {
	return &cli.Command{
		Name:  "browse",
		Usage: "Interactively browse the vault catalog",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withOpenVault(ctx, c, runBrowse)
		},
	}
}

func cmdImport() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import a local file as a single encrypted blob",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "display name (default: source file's base name)"},
			&cli.StringFlag{Name: "mime", Usage: "MIME type", Value: "application/octet-stream"},
			&cli.StringFlag{Name: "type", Usage: "image|video|audio|document|text|binary", Value: "binary"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			srcPath := c.Args().First()
			if srcPath == "" {
				return fmt.Errorf("usage: vaultctl import <path>")
			}
			data, err := os.ReadFile(srcPath)
			if err != nil {
				return err
			}
			name := c.String("name")
			if name == "" {
				name = filepath.Base(srcPath)
			}
			return withOpenVault(ctx, c, func(v *engine.Vault) error {
				fileID, err := v.Import(name, c.String("mime"), parseEntryType(c.String("type")), data)
				if err != nil {
					return err
				}
				fmt.Println(shortID(fileID))
				return nil
			})
		},
	}
}

func cmdStreamImport() *cli.Command {
	return &cli.Command{
		Name:      "stream-import",
		Usage:     "Import a local file in bounded-memory chunks",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "display name (default: source file's base name)"},
			&cli.StringFlag{Name: "mime", Usage: "MIME type", Value: "application/octet-stream"},
			&cli.StringFlag{Name: "type", Usage: "image|video|audio|document|text|binary", Value: "binary"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			srcPath := c.Args().First()
			if srcPath == "" {
				return fmt.Errorf("usage: vaultctl stream-import <path>")
			}
			f, err := os.Open(srcPath)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			name := c.String("name")
			if name == "" {
				name = filepath.Base(srcPath)
			}
			return withOpenVault(ctx, c, func(v *engine.Vault) error {
				importID, chunkSize, chunkCount, err := v.StreamingStart(srcPath, nil, name, c.String("mime"), parseEntryType(c.String("type")), uint64(info.Size()))
				if err != nil {
					return err
				}
				r := bufio.NewReaderSize(f, int(chunkSize))
				buf := make([]byte, chunkSize)
				for i := uint32(0); i < chunkCount; i++ {
					n, err := io.ReadFull(r, buf)
					if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
						_ = v.StreamingAbort(importID)
						return err
					}
					if err := v.StreamingWriteChunk(importID, buf[:n], i); err != nil {
						_ = v.StreamingAbort(importID)
						return err
					}
				}
				fileID, err := v.StreamingFinish(importID)
				if err != nil {
					return err
				}
				fmt.Println(shortID(fileID))
				return nil
			})
		},
	}
}

func cmdRead() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "Decrypt a file to stdout or --out",
		ArgsUsage: "<file_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Usage: "output path (default: stdout)"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			fileID, err := parseFileID(c.Args().First())
			if err != nil {
				return err
			}
			return withOpenVault(ctx, c, func(v *engine.Vault) error {
				data, err := v.ReadFile(fileID)
				if err != nil {
					return err
				}
				if out := c.String("out"); out != "" {
					return os.WriteFile(out, data, 0o600)
				}
				_, err = os.Stdout.Write(data)
				return err
			})
		},
	}
}

func cmdDelete() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Remove a file from the catalog",
		ArgsUsage: "<file_id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			fileID, err := parseFileID(c.Args().First())
			if err != nil {
				return err
			}
			return withOpenVault(ctx, c, func(v *engine.Vault) error {
				return v.Delete(fileID)
			})
		},
	}
}

func cmdRename() *cli.Command {
	return &cli.Command{
		Name:      "rename",
		Usage:     "Rename a catalogued file",
		ArgsUsage: "<file_id> <new-name>",
		Action: func(ctx context.Context, c *cli.Command) error {
			args := c.Args().Slice()
			if len(args) < 2 {
				return fmt.Errorf("usage: vaultctl rename <file_id> <new-name>")
			}
			fileID, err := parseFileID(args[0])
			if err != nil {
				return err
			}
			return withOpenVault(ctx, c, func(v *engine.Vault) error {
				return v.Rename(fileID, args[1])
			})
		},
	}
}

func cmdCopy() *cli.Command {
	return &cli.Command{
		Name:      "copy",
		Usage:     "Duplicate a file under a fresh file_id and data key",
		ArgsUsage: "<file_id> <new-name>",
		Action: func(ctx context.Context, c *cli.Command) error {
			args := c.Args().Slice()
			if len(args) < 2 {
				return fmt.Errorf("usage: vaultctl copy <file_id> <new-name>")
			}
			fileID, err := parseFileID(args[0])
			if err != nil {
				return err
			}
			return withOpenVault(ctx, c, func(v *engine.Vault) error {
				newID, err := v.Copy(fileID, args[1])
				if err != nil {
					return err
				}
				fmt.Println(shortID(newID))
				return nil
			})
		},
	}
}

func cmdChangePassphrase() *cli.Command {
	return &cli.Command{
		Name:  "change-passphrase",
		Usage: "Re-wrap the master key under a new passphrase",
		Action: func(ctx context.Context, c *cli.Command) error {
			old, err := obtainPassword("Current passphrase", false)
			if err != nil {
				return err
			}
			defer crypto.Zeroize(old)
			next, err := obtainNewPassword("New passphrase")
			if err != nil {
				return err
			}
			defer crypto.Zeroize(next)

			path, err := vaultPathFlag(ctx, c)
			if err != nil {
				return err
			}
			v, err := engine.Open(path, old, mustEngineConfig(ctx), mustLogger(ctx))
			if err != nil {
				return err
			}
			defer v.Close()
			if err := v.ChangePassphrase(old, next); err != nil {
				return err
			}
			fmt.Println("Passphrase changed.")
			return nil
		},
	}
}

func cmdLogs() *cli.Command {
	return &cli.Command{
		Name:  "logs",
		Usage: "Tail the last lines of the active log file",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "lines", Aliases: []string{"n"}, Usage: "number of trailing lines", Value: 100},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			path := logging.CurrentFile()
			if path == "" {
				path = mustRuntime(ctx).fc.LogFile
			}
			if path == "" {
				return fmt.Errorf("no log file configured (set --log-file or log_file in the config file)")
			}
			lines, err := logging.TailLastLines(path, int(c.Int("lines")))
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Println(line)
			}
			return nil
		},
	}
}

func cmdCompact() *cli.Command {
	return &cli.Command{
		Name:  "compact",
		Usage: "Rewrite the container, reclaiming space from deleted/aborted imports",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withOpenVault(ctx, c, func(v *engine.Vault) error {
				if err := v.Compact(); err != nil {
					return err
				}
				fmt.Println("Compacted.")
				return nil
			})
		},
	}
}
