package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/giantswarm/mcp-oauth-store/health"
	"github.com/giantswarm/mcp-oauth-store/security"
	"github.com/giantswarm/mcp-oauth-store/storage"
)

var (
	errUsage     = errors.New("usage error")
	errUnhealthy = errors.New("storage is unhealthy")
)

type command struct {
	usage string
	help  string
	// long commands run until interrupted and ignore the command timeout
	long bool
	run  func(ctx context.Context, a *App, args []string) error
}

var commands = map[string]command{
	"health": {
		usage: "health",
		help:  "Run one health check; exits non-zero when unhealthy",
		run:   runHealth,
	},
	"stats": {
		usage: "stats",
		help:  "Print record counts and backend metrics",
		run:   runStats,
	},
	"clients": {
		usage: "clients list|show|create|delete|verify",
		help:  "Manage client registrations",
		run:   runClients,
	},
	"revoke-client": {
		usage: "revoke-client <client-id> [--keep-client]",
		help:  "Delete every access token of a client, then the client",
		run:   runRevokeClient,
	},
	"watch": {
		usage: "watch",
		help:  "Run health checks on an interval until interrupted",
		long:  true,
		run:   runWatch,
	},
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: credstore [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "  %s\t%s\n", commands[name].usage, commands[name].help)
	}
	_ = tw.Flush()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, NewConfig().flagSet().FlagUsages())
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================
// health, stats, watch
// ============================================================

func runHealth(ctx context.Context, a *App, _ []string) error {
	res := a.store.HealthCheck(ctx)
	if err := a.printJSON(res); err != nil {
		return err
	}
	if !res.Healthy {
		return errUnhealthy
	}
	return nil
}

func runStats(ctx context.Context, a *App, _ []string) error {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(stats)
}

// watchLine is one line of watch output.
type watchLine struct {
	Time      time.Time            `json:"time"`
	Status    storage.HealthStatus `json:"status"`
	Healthy   bool                 `json:"healthy"`
	LatencyMs float64              `json:"latency_ms"`
	Errors    []string             `json:"errors,omitempty"`
}

func runWatch(ctx context.Context, a *App, _ []string) error {
	enc := json.NewEncoder(a.out)

	monitor, err := health.NewMonitor(a.store, health.Config{
		Backend:         a.cfg.Backend,
		Interval:        a.cfg.HealthInterval,
		Timeout:         a.cfg.Timeout,
		Logger:          a.logger,
		Instrumentation: a.inst,
		OnChange: func(_, _ storage.HealthStatus, res *storage.HealthResult) {
			_ = enc.Encode(watchLine{
				Time:      time.Now(),
				Status:    res.Status,
				Healthy:   res.Healthy,
				LatencyMs: float64(res.Latency.Microseconds()) / 1000,
				Errors:    res.Errors,
			})
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = monitor.Close() }()

	monitor.Start(ctx)
	<-ctx.Done()
	return nil
}

// ============================================================
// clients
// ============================================================

// clientView is the printable form of a client; the secret hash is left out.
type clientView struct {
	ClientID     string    `json:"client_id"`
	ClientType   string    `json:"client_type,omitempty"`
	ClientName   string    `json:"client_name,omitempty"`
	RedirectURIs []string  `json:"redirect_uris,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	GrantTypes   []string  `json:"grant_types,omitempty"`
	HasSecret    bool      `json:"has_secret"`
	CreatedAt    time.Time `json:"created_at"`
}

func viewOf(c *storage.Client) clientView {
	return clientView{
		ClientID:     c.ClientID,
		ClientType:   c.ClientType,
		ClientName:   c.ClientName,
		RedirectURIs: c.RedirectURIs,
		Scopes:       c.Scopes,
		GrantTypes:   c.GrantTypes,
		HasSecret:    c.ClientSecretHash != "",
		CreatedAt:    c.CreatedAt,
	}
}

func runClients(ctx context.Context, a *App, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: clients needs a subcommand (list, show, create, delete, verify)", errUsage)
	}
	switch args[0] {
	case "list":
		return a.listClients(ctx)
	case "show":
		id, err := oneArg("clients show", args[1:])
		if err != nil {
			return err
		}
		c, err := a.store.GetClient(ctx, id)
		if err != nil {
			return err
		}
		return a.printJSON(viewOf(c))
	case "create":
		return a.createClient(ctx, args[1:])
	case "delete":
		id, err := oneArg("clients delete", args[1:])
		if err != nil {
			return err
		}
		return a.deleteClient(ctx, id)
	case "verify":
		return a.verifyClient(ctx, args[1:])
	default:
		return fmt.Errorf("%w: unknown clients subcommand %q", errUsage, args[0])
	}
}

func oneArg(cmd string, args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("%w: %s takes exactly one client ID", errUsage, cmd)
	}
	return args[0], nil
}

func (a *App) listClients(ctx context.Context) error {
	clients, err := a.store.ListClients(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT ID\tTYPE\tNAME\tCREATED")
	for _, c := range clients {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ClientID, c.ClientType, c.ClientName, c.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// createdClient is printed once after registration; the secret is not stored.
type createdClient struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	ClientType   string `json:"client_type"`
}

func (a *App) createClient(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("clients create", pflag.ContinueOnError)
	fs.SetOutput(a.out)
	id := fs.String("id", "", "Client ID (default: random UUID)")
	name := fs.String("name", "", "Client name")
	clientType := fs.String("type", "confidential", "Client type (confidential, public)")
	redirectURIs := fs.StringSlice("redirect-uri", nil, "Allowed redirect URI (repeatable)")
	scopes := fs.StringSlice("scope", nil, "Allowed scope (repeatable)")
	grantTypes := fs.StringSlice("grant-type", []string{"authorization_code", "refresh_token"}, "Allowed grant type (repeatable)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	client := &storage.Client{
		ClientID:     *id,
		ClientType:   *clientType,
		ClientName:   *name,
		RedirectURIs: *redirectURIs,
		Scopes:       *scopes,
		GrantTypes:   *grantTypes,
	}
	if client.ClientID == "" {
		client.ClientID = uuid.NewString()
	}

	var secret string
	if client.ClientType != storage.ClientTypePublic {
		var err error
		if secret, err = security.GenerateClientSecret(); err != nil {
			return err
		}
		if client.ClientSecretHash, err = storage.HashClientSecret(secret); err != nil {
			return err
		}
	}

	if err := a.store.CreateClient(ctx, client); err != nil {
		return err
	}
	a.auditor.LogClientRegistered(a.actor, client.ClientID, client.ClientType)

	return a.printJSON(createdClient{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		ClientType:   client.ClientType,
	})
}

func (a *App) deleteClient(ctx context.Context, id string) error {
	deleted, err := a.store.DeleteClient(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: client %s", storage.ErrNotFound, id)
	}
	a.auditor.LogClientDeleted(a.actor, id)
	fmt.Fprintf(a.out, "deleted client %s\n", id)
	return nil
}

func (a *App) verifyClient(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("clients verify", pflag.ContinueOnError)
	fs.SetOutput(a.out)
	secret := fs.String("secret", "", "Plaintext client secret to check")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	id, err := oneArg("clients verify", fs.Args())
	if err != nil {
		return err
	}

	err = a.store.ValidateClientSecret(ctx, id, *secret)
	switch {
	case err == nil:
		a.auditor.LogClientSecretCheck(a.actor, id, true)
		fmt.Fprintln(a.out, "ok")
		return nil
	case errors.Is(err, storage.ErrInvalidClientCredentials):
		a.auditor.LogClientSecretCheck(a.actor, id, false)
		return err
	default:
		return err
	}
}

// ============================================================
// revoke-client
// ============================================================

type revokeResult struct {
	ClientID      string `json:"client_id"`
	TokensRevoked int    `json:"tokens_revoked"`
	ClientDeleted bool   `json:"client_deleted"`
}

// runRevokeClient deletes the tokens before the client.
func runRevokeClient(ctx context.Context, a *App, args []string) error {
	fs := pflag.NewFlagSet("revoke-client", pflag.ContinueOnError)
	fs.SetOutput(a.out)
	keep := fs.Bool("keep-client", false, "Only revoke tokens; keep the registration")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	id, err := oneArg("revoke-client", fs.Args())
	if err != nil {
		return err
	}

	n, err := a.store.DeleteTokensByClient(ctx, id)
	if err != nil {
		return err
	}
	a.auditor.LogClientTokensRevoked(a.actor, id, n)

	res := revokeResult{ClientID: id, TokensRevoked: n}
	if !*keep {
		res.ClientDeleted, err = a.store.DeleteClient(ctx, id)
		if err != nil {
			return err
		}
		if res.ClientDeleted {
			a.auditor.LogClientDeleted(a.actor, id)
		}
	}
	return a.printJSON(res)
}
