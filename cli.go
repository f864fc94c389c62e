package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"huddle/server/internal/auth"
	"huddle/server/internal/config"
	"huddle/server/internal/store"
)

// RunCLI handles subcommand execution. It reports whether args named a
// subcommand; a false result means the server should start.
func RunCLI(ctx context.Context, args []string, cfg config.Config, out io.Writer) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(out, "huddle server %s\n", Version)
		return true, nil
	case "history":
		return true, cliHistory(ctx, args[1:], cfg, out)
	case "token":
		return true, cliToken(args[1:], cfg, out)
	case "backup":
		return true, cliBackup(ctx, args[1:], cfg, out)
	default:
		return false, nil
	}
}

func cliHistory(ctx context.Context, args []string, cfg config.Config, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: huddle history <room> [limit]")
	}
	limit := cfg.HistoryLimit
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid limit %q", args[1])
		}
		limit = n
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	msgs, err := st.Query(ctx, args[0], limit)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages found.")
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Format(time.DateTime), m.Author, m.Content)
	}
	return nil
}

func cliToken(args []string, cfg config.Config, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: huddle token <identity> [ttl]")
	}
	ttl := defaultTokenTTL
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid ttl %q", args[1])
		}
		ttl = d
	}
	if ttl > maxTokenTTL {
		return fmt.Errorf("ttl %s exceeds maximum %s", ttl, maxTokenTTL)
	}

	issuer, err := auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("token signer: %w (set HUDDLE_JWT_SECRET)", err)
	}
	tok, err := issuer.Issue(args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

func cliBackup(ctx context.Context, args []string, cfg config.Config, out io.Writer) error {
	outPath := defaultBackupPath
	if len(args) > 0 {
		outPath = args[0]
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sq, ok := st.(*store.SQLStore)
	if !ok {
		return fmt.Errorf("backup is only supported for sqlite stores")
	}
	if err := sq.Backup(ctx, outPath); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	fmt.Fprintf(out, "Database backed up to %s\n", outPath)
	return nil
}
