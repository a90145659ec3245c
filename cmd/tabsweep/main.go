package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"tabguard/pkg/guard"
	"tabguard/pkg/registry"
	"tabguard/pkg/store"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("tabsweep", flag.ContinueOnError)
	fs.SetOutput(out)
	user := fs.String("user", "", "sweep a single user id")
	timeoutSec := fs.Int("timeout", 0, "tab timeout in seconds (default: configured tab_timeout)")
	dryRun := fs.Bool("dry-run", false, "report what would be removed without persisting")
	force := fs.Bool("force", false, "skip the confirmation prompt")
	configPath := fs.String("config", os.Getenv("TABGUARD_CONFIG"), "rule config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := guard.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if !*force && !*dryRun {
		fmt.Fprint(out, "This will remove expired tab sessions. Continue? [y/N] ")
		answer, _ := bufio.NewReader(in).ReadString('\n')
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			fmt.Fprintln(out, "Sweep cancelled.")
			return nil
		}
	}

	client, err := store.NewRedis(ctx)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	cache := store.NewRedisCache(client)
	reg := registry.New(cache, cache)
	reg.Prefix = cfg.Session.KeyPrefix
	reg.Timeout = cfg.TabTimeout()
	reg.SessionTTL = cfg.SessionTTL()
	reg.AntiBypass = cfg.Security.PreventIncognitoBypass
	reg.Serialize = cfg.SerializeUsers

	timeout := time.Duration(*timeoutSec) * time.Second
	res, err := reg.Sweep(ctx, *user, timeout, *dryRun)
	if err != nil {
		return err
	}
	if *dryRun {
		fmt.Fprintf(out, "Dry run completed. Would remove %d of %d scanned tabs.\n", res.Removed, res.Scanned)
	} else {
		fmt.Fprintf(out, "Sweep completed. Removed %d of %d scanned tabs.\n", res.Removed, res.Scanned)
	}
	if res.MirrorScanned > 0 {
		fmt.Fprintf(out, "Cross-session mirror: %d of %d entries stale.\n", res.MirrorRemoved, res.MirrorScanned)
	}
	return nil
}
