package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"marketplace-ledger-go/internal/auth"
	"marketplace-ledger-go/internal/models"

	"go.uber.org/zap"
)

const usage = `ledgerctl runs operator commands against a running ledger.

Usage:
  ledgerctl <command> [flags]

Commands:
  verify-user          -user <id>
  grant-badge          -user <id> -badge <name>
  reconcile-withdrawal -reference <ref> [-refresh]
  approve-withdrawal   -reference <ref>
  reject-withdrawal    -reference <ref> [-note <text>]
  refund-escrow        -escrow <id> [-reason <text>]
  token                -subject <id> [-role admin|service|user] [-ttl 1h]

Environment:
  LEDGERCTL_URL    base URL of the ledger (default http://localhost:8080)
  LEDGERCTL_TOKEN  admin bearer token
  JWT_SECRET       signing secret, used by the token command only
`

func main() {
	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		zap.L().Error("Command failed", zap.String("command", os.Args[1]), zap.Error(err))
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	userId := fs.String("user", "", "user id")
	badge := fs.String("badge", "", "badge name")
	reference := fs.String("reference", "", "withdrawal reference")
	refresh := fs.Bool("refresh", false, "ask the gateway for the transfer status first")
	note := fs.String("note", "", "note recorded with the rejection")
	escrowId := fs.String("escrow", "", "escrow id")
	reason := fs.String("reason", "", "reason recorded with the refund")
	subject := fs.String("subject", "", "token subject")
	role := fs.String("role", string(models.RoleAdmin), "token role")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if command == "token" {
		return printToken(*subject, models.Role(*role), *ttl)
	}

	client := newClient(envOr("LEDGERCTL_URL", "http://localhost:8080"), os.Getenv("LEDGERCTL_TOKEN"))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var (
		result *commandResult
		err    error
	)
	switch command {
	case "verify-user":
		if *userId == "" {
			return fmt.Errorf("-user is required")
		}
		result, err = client.post(ctx, "/api/v1/admin/commands/verify-user", map[string]any{"user_id": *userId})
	case "grant-badge":
		if *userId == "" || *badge == "" {
			return fmt.Errorf("-user and -badge are required")
		}
		result, err = client.post(ctx, "/api/v1/admin/commands/grant-badge", map[string]any{"user_id": *userId, "badge": *badge})
	case "reconcile-withdrawal":
		if *reference == "" {
			return fmt.Errorf("-reference is required")
		}
		result, err = client.post(ctx, "/api/v1/admin/commands/reconcile-withdrawal", map[string]any{"reference": *reference, "refresh": *refresh})
	case "approve-withdrawal":
		if *reference == "" {
			return fmt.Errorf("-reference is required")
		}
		result, err = client.post(ctx, "/api/v1/admin/withdrawals/"+*reference+"/approve", nil)
	case "reject-withdrawal":
		if *reference == "" {
			return fmt.Errorf("-reference is required")
		}
		result, err = client.post(ctx, "/api/v1/admin/withdrawals/"+*reference+"/reject", map[string]any{"note": *note})
	case "refund-escrow":
		if *escrowId == "" {
			return fmt.Errorf("-escrow is required")
		}
		result, err = client.post(ctx, "/api/v1/admin/escrows/"+*escrowId+"/refund", map[string]any{"reason": *reason})
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s\n", command, result.Message)
	if len(result.Data) > 0 {
		fmt.Println(string(result.Data))
	}
	return nil
}

func printToken(subject string, role models.Role, ttl time.Duration) error {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("JWT_SECRET is required to sign tokens")
	}
	if subject == "" {
		return fmt.Errorf("-subject is required")
	}
	token, err := auth.NewSigner(secret).Sign(models.Actor{UserId: subject, Role: role}, time.Now(), ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
