package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/trustgate/pkg/config"
	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/policyloader"
)

func loadConfig(cmd *flag.FlagSet, args []string, stderr io.Writer) (*config.Config, bool) {
	configPath := cmd.String("config", "", "Path to a YAML config file")
	if err := cmd.Parse(args); err != nil {
		return nil, false
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	setupLogger(cfg.LogLevel)
	return cfg, true
}

func runMigrate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cfg, ok := loadConfig(cmd, args, stderr)
	if !ok {
		return 2
	}
	db, err := openDB(context.Background(), cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()
	_, _ = fmt.Fprintf(stdout, "schema up to date (%s)\n", db.Dialect())
	return 0
}

func runSeedPolicies(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("seed-policies", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	file := cmd.String("file", "", "Path to a policy seed YAML file (REQUIRED unless POLICY_SEED_FILE is set)")
	cfg, ok := loadConfig(cmd, args, stderr)
	if !ok {
		return 2
	}
	path := *file
	if path == "" {
		path = cfg.PolicySeedFile
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	seed, err := policyloader.LoadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close(ctx)

	res, err := policyloader.Apply(ctx, seed, a.approvals, a.directory)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "seeded %d principals and %d policies\n", res.Principals, res.Policies)
	return 0
}

// runLedgerCmd implements `trustgate ledger verify|batch`.
//
// Exit codes:
//
//	0 = chain valid / batch written
//	1 = chain broken or runtime error
//	2 = usage error
func runLedgerCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: trustgate ledger <verify|batch> --tenant <id>")
		return 2
	}
	sub := args[0]
	if sub != "verify" && sub != "batch" {
		_, _ = fmt.Fprintf(stderr, "Unknown ledger subcommand: %s\n", sub)
		return 2
	}

	cmd := flag.NewFlagSet("ledger "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	tenant := cmd.String("tenant", "", "Tenant whose chain to use (REQUIRED)")
	cfg, ok := loadConfig(cmd, args[1:], stderr)
	if !ok {
		return 2
	}
	if *tenant == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --tenant is required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close(ctx)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	if sub == "batch" {
		batch, err := a.ledger.BatchPending(ctx, *tenant)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if batch == nil {
			_, _ = fmt.Fprintln(stdout, "nothing to batch")
			return 0
		}
		_ = enc.Encode(batch)
		return 0
	}

	report, err := a.ledger.VerifyChain(ctx, *tenant)
	if err != nil && !errors.Is(err, contracts.ErrChainIntegrityViolation) {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_ = enc.Encode(report)
	if !report.Valid {
		return 1
	}
	return 0
}
