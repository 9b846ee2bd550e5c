package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mdcn/internal/app"
	"mdcn/internal/codec"
	"mdcn/internal/config"
	"mdcn/internal/db"
	"mdcn/internal/domain"
	"mdcn/internal/engine"
	"mdcn/internal/ledger"
	"mdcn/internal/logging"
	"mdcn/internal/projection"
	"mdcn/internal/roles"
	"mdcn/internal/routing"
	"mdcn/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mdcn",
	Short: "Military decentralized communication network",
	Long: `mdcn exchanges commands, intelligence reports, field data and maintenance
updates over an append-only ledger.
- Roles: strategic commanders issue commands and assign roles; operational
  officers and field operatives report upward.
- Kinds: command, intelligence, fieldData and maintenance are separate streams.
- Routing: direct to one identity, legacy group+branch, or broadcast to every
  admin or every subordinate.
- Threads: replies carry a "[CMD #7]" style tag naming their parent.
- Ledger: ids, timestamps and authorization are decided by the ledger; inspect
  it with 'mdcn log tail' and 'mdcn verify'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MDCN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("identity", "i", "", "caller identity")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().String("log-format", "", "log format: json or console (overrides config)")
	for _, name := range []string{"workspace", "identity", "json", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(sentCmd())
	rootCmd.AddCommand(allCmd())
	rootCmd.AddCommand(threadCmd())
	rootCmd.AddCommand(ackCmd())
	rootCmd.AddCommand(executeCmd())
	rootCmd.AddCommand(layerCmd())
	rootCmd.AddCommand(orphanedCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default mdcn.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"config": path})
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "mdcn", "network name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Apply the seed roles listed in mdcn.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				n, err := w.Seed(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"applied": n})
				}
				fmt.Printf("applied %d role assignment(s)\n", n)
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the caller's role, branch and permitted actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				p := s.Profile()
				if viper.GetBool("json") {
					return printJSON(p)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"Identity", p.Identity},
					{"Title", p.Title},
					{"Tier", p.Tier},
					{"Branch", p.BranchName},
					{"Default group", p.DefaultGroup.String()},
					{"Actions", joinActions(p)},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Inspect and assign roles"}
	cmd.AddCommand(roleAssignCmd())
	cmd.AddCommand(roleShowCmd())
	cmd.AddCommand(roleListCmd())
	cmd.AddCommand(rolePeersCmd())
	return cmd
}

func roleAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <identity> <role>",
		Short: "Assign a role (strategic callers only, or the first strategic seed)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := domain.ParseRole(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				a, err := s.AssignRole(ctx, domain.Identity(args[0]), role)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func roleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <identity>",
		Short: "Show the current role of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				id := domain.Identity(args[0]).Normalize()
				role, err := w.Engine.Roles.Lookup(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(roles.Member{Identity: id, Role: role, Title: roles.PositionTitle(id, role)})
			})
		},
	}
}

func roleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the role directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				members, err := s.Directory(ctx)
				if err != nil {
					return err
				}
				return printMembers(members)
			})
		},
	}
}

func rolePeersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List subordinate identities other than the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				members, err := s.Peers(ctx)
				if err != nil {
					return err
				}
				return printMembers(members)
			})
		},
	}
}

func sendCmd() *cobra.Command {
	var to, broadcast, replyTo string
	var group, branch, tagGroup, tagBranch, layer uint8
	var asset uint64
	cmd := &cobra.Command{
		Use:   "send <kind> <message...>",
		Short: "Compose and route a message",
		Long: `Compose a message of kind command, intelligence, fieldData or maintenance.
Pick exactly one destination: --to, --group with --branch, or --broadcast.
A reply (--reply-to CMD:7) without a destination goes to the default recipient.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			draft := engine.Draft{
				Kind:    kind,
				Body:    strings.Join(args[1:], " "),
				Branch:  domain.Branch(tagBranch),
				Group:   domain.Group(tagGroup),
				Layer:   layer,
				AssetID: asset,
			}
			if replyTo != "" {
				ref, err := parseReplyTo(replyTo)
				if err != nil {
					return err
				}
				draft.ReplyTo = &ref
			}
			dest, err := destinationFromFlags(to, broadcast, domain.Group(group), domain.Branch(branch))
			if err != nil {
				return err
			}
			draft.To = dest
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				d, err := s.Compose(ctx, draft)
				var partial *routing.PartialBroadcastError
				if errors.As(err, &partial) {
					if perr := printDelivery(partial.Delivery); perr != nil {
						return perr
					}
					return err
				}
				if err != nil {
					return err
				}
				return printDelivery(d)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient identity")
	cmd.Flags().Uint8Var(&group, "group", 0, "legacy recipient group (1-4)")
	cmd.Flags().Uint8Var(&branch, "branch", 0, "legacy branch (1-3)")
	cmd.Flags().StringVar(&broadcast, "broadcast", "", "broadcast to admins or subordinates")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "parent record, e.g. CMD:7 or intelligence:3")
	cmd.Flags().Uint8Var(&tagBranch, "tag-branch", 0, "branch written into the metadata tag")
	cmd.Flags().Uint8Var(&tagGroup, "tag-group", 0, "group written into the metadata tag")
	cmd.Flags().Uint8Var(&layer, "layer", 0, "command layer (1-3)")
	cmd.Flags().Uint64Var(&asset, "asset", 0, "maintenance asset id")
	return cmd
}

func inboxCmd() *cobra.Command {
	var group, branch uint8
	cmd := &cobra.Command{
		Use:   "inbox <kind>",
		Short: "List records addressed to the caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				recs, err := s.Inbox(ctx, kind, domain.Group(group), domain.Branch(branch))
				if err != nil {
					return err
				}
				return printRecords(recs)
			})
		},
	}
	cmd.Flags().Uint8Var(&group, "group", 0, "legacy group to include (0 for any)")
	cmd.Flags().Uint8Var(&branch, "branch", 0, "legacy branch (defaults to the derived branch)")
	return cmd
}

func sentCmd() *cobra.Command {
	return recordsCmd("sent <kind>", "List records the caller sent", func(ctx context.Context, s *engine.Session, k domain.Kind) ([]*domain.Record, error) {
		return s.Sent(ctx, k)
	})
}

func allCmd() *cobra.Command {
	return recordsCmd("all <kind>", "List every record of a kind (strategic callers only)", func(ctx context.Context, s *engine.Session, k domain.Kind) ([]*domain.Record, error) {
		return s.All(ctx, k)
	})
}

func recordsCmd(use, short string, list func(context.Context, *engine.Session, domain.Kind) ([]*domain.Record, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				recs, err := list(ctx, s, kind)
				if err != nil {
					return err
				}
				return printRecords(recs)
			})
		},
	}
}

func threadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "thread <kind> <id>",
		Short: "Show a record and its replies",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, id, err := parseRecordArgs(args)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				th, err := s.Thread(ctx, kind, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(th)
				}
				return printRecords(append([]*domain.Record{th.Record}, th.Responses...))
			})
		},
	}
}

func ackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <kind> <id>",
		Short: "Acknowledge a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, id, err := parseRecordArgs(args)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				rec, err := s.Acknowledge(ctx, kind, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func executeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <id>",
		Short: "Mark a command executed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				rec, err := s.Execute(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func layerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layer",
		Short: "List commands issued to layers below the caller's tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				recs, err := s.LayerFeed(ctx)
				if err != nil {
					return err
				}
				return printRecords(recs)
			})
		},
	}
}

func orphanedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orphaned",
		Short: "List replies whose parent record does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				recs, err := s.Orphaned(ctx)
				if err != nil {
					return err
				}
				return printRecords(recs)
			})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Rebuild projections on the poll interval and report inbox sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				sub := s.Engine.Watch(ctx, func(snap *projection.Snapshot, err error) {
					if err != nil {
						s.Engine.Log.Warn().Err(err).Msg("rebuild failed")
						return
					}
					parts := make([]string, 0, len(domain.MessageKinds()))
					for _, k := range domain.MessageKinds() {
						n := len(s.InboxOf(snap, k, domain.GroupNone, domain.BranchNone))
						parts = append(parts, fmt.Sprintf("%s=%d", k, n))
					}
					fmt.Printf("%s inbox %s\n", snap.BuiltAt.Format(time.RFC3339), strings.Join(parts, " "))
				})
				defer sub.Close()
				<-sub.Done()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the raw ledger"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var kind string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail ledger events (strategic callers only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var k domain.Kind
			if kind != "" {
				parsed, err := domain.ParseKind(kind)
				if err != nil {
					return err
				}
				k = parsed
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				events, err := s.Tail(ctx, k, n)
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&kind, "kind", "", "stream filter")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the ledger hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				broken, err := w.Engine.Verify(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": broken == 0, "broken_seq": broken})
				}
				if broken != 0 {
					return fmt.Errorf("hash chain broken at seq %d", broken)
				}
				fmt.Println("ledger ok")
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				cfg := w.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:           jwtSecret(cfg),
					AllowIdentityHeader: cfg.Server.AllowIdentityHeader,
					Logger:              w.Engine.Log,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowIdentityHeader {
					return fmt.Errorf("MDCN_JWT_SECRET (or server.jwt_secret) is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: w.Engine, BasePath: basePath, Auth: authCfg, Logger: w.Engine.Log})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				w.Engine.Log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving mdcn api")
				fmt.Printf("Serving MDCN API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Mint a bearer token for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			token, err := server.SignToken(jwtSecret(cfg), domain.Identity(args[0]), ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

// --- helpers ---

func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, format := cfg.Log.Level, cfg.Log.Format
	if v := viper.GetString("log-level"); v != "" {
		level = v
	}
	if v := viper.GetString("log-format"); v != "" {
		format = v
	}
	return logging.New(level, format, os.Stderr)
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	w, err := app.OpenWith(ctx, workspace, cfg, log)
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(ctx, w)
}

func withSession(ctx context.Context, fn func(context.Context, *engine.Session) error) error {
	id := domain.Identity(viper.GetString("identity"))
	if id.IsZero() {
		return fmt.Errorf("--identity (or MDCN_IDENTITY) required")
	}
	return withWorkspace(ctx, func(ctx context.Context, w *app.Workspace) error {
		s, err := w.Engine.Open(ctx, id)
		if err != nil {
			return err
		}
		return fn(ctx, s)
	})
}

func destinationFromFlags(to, broadcast string, group domain.Group, branch domain.Branch) (routing.Destination, error) {
	var picked []routing.Destination
	if to != "" {
		picked = append(picked, routing.Direct{Identity: domain.Identity(to)})
	}
	if group != domain.GroupNone || branch != domain.BranchNone {
		picked = append(picked, routing.LegacyGroup{Group: group, Branch: branch})
	}
	switch strings.ToLower(strings.TrimSpace(broadcast)) {
	case "":
	case "admins", "admin", "strategic":
		picked = append(picked, routing.BroadcastAdmins{})
	case "subordinates", "subs", "field":
		picked = append(picked, routing.BroadcastSubordinates{})
	default:
		return nil, fmt.Errorf("unknown broadcast audience %q (admins or subordinates)", broadcast)
	}
	switch len(picked) {
	case 0:
		return nil, nil
	case 1:
		return picked[0], nil
	}
	return nil, fmt.Errorf("choose one destination: --to, --group/--branch or --broadcast")
}

// parseReplyTo accepts LABEL:ID or kind:ID, e.g. "CMD:7" or "intel:3".
func parseReplyTo(s string) (domain.ThreadRef, error) {
	label, rawID, ok := strings.Cut(s, ":")
	if !ok {
		return domain.ThreadRef{}, fmt.Errorf("reply-to must look like CMD:7")
	}
	l, err := codec.ParseLabel(label)
	if err != nil {
		return domain.ThreadRef{}, err
	}
	kind, _ := l.Kind()
	id, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(rawID, "#")), 10, 64)
	if err != nil {
		return domain.ThreadRef{}, fmt.Errorf("invalid reply-to id %q", rawID)
	}
	return domain.ThreadRef{Kind: kind, ParentID: id}, nil
}

func parseRecordArgs(args []string) (domain.Kind, uint64, error) {
	kind, err := domain.ParseKind(args[0])
	if err != nil {
		return "", 0, err
	}
	id, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid id %q", args[1])
	}
	return kind, id, nil
}

func joinActions(p engine.Profile) string {
	out := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		out = append(out, string(a))
	}
	return strings.Join(out, ", ")
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func recipientLabel(r *domain.Record) string {
	if r.Legacy() {
		return fmt.Sprintf("%s / %s", r.Group, r.Branch)
	}
	return r.Recipient.Short()
}

func printRecords(recs []*domain.Record) error {
	if viper.GetBool("json") {
		if recs == nil {
			recs = []*domain.Record{}
		}
		return printJSON(recs)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Kind", "From", "To", "Message", "Thread", "Ack", "Time"})
	for _, r := range recs {
		thread := ""
		if r.Thread != nil {
			thread = fmt.Sprintf("%s #%d", r.Thread.Kind, r.Thread.ParentID)
		}
		ack := ""
		if r.Acknowledged() {
			ack = r.Ack.By.Short()
		}
		if r.Executed() {
			ack += " (executed)"
		}
		tw.AppendRow(table.Row{r.ID, r.Kind, r.Sender.Short(), recipientLabel(r), r.Body, thread, strings.TrimSpace(ack), r.Timestamp.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func printMembers(members []roles.Member) error {
	if viper.GetBool("json") {
		if members == nil {
			members = []roles.Member{}
		}
		return printJSON(members)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Identity", "Role", "Title"})
	for _, m := range members {
		tw.AppendRow(table.Row{m.Identity, m.Role.String(), m.Title})
	}
	tw.Render()
	return nil
}

func printDelivery(d routing.Delivery) error {
	if viper.GetBool("json") {
		return printJSON(d.Results)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Target", "ID", "Seq", "Result"})
	for _, r := range d.Results {
		if r.OK() {
			tw.AppendRow(table.Row{r.Target.String(), r.Receipt.ID, r.Receipt.Seq, "ok"})
			continue
		}
		tw.AppendRow(table.Row{r.Target.String(), "", "", r.Err.Error()})
	}
	tw.Render()
	return nil
}

func printEvents(events []ledger.Event) error {
	if viper.GetBool("json") {
		return printJSON(events)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Seq", "Kind", "Type", "ID", "Sender", "Recipient", "Time"})
	for _, ev := range events {
		tw.AppendRow(table.Row{ev.Seq, ev.Kind, ev.Type, ev.ID, ev.Sender.Short(), ev.Recipient.Short(), ev.Timestamp.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
