package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reviewloop/internal/config"
	"reviewloop/internal/db"
	"reviewloop/internal/domain"
	"reviewloop/internal/engine"
	"reviewloop/internal/mailer"
	"reviewloop/internal/migrate"
	"reviewloop/internal/repo"
	"reviewloop/internal/server"
	"reviewloop/internal/token"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reviewloop CLI",
	Long: `Reviewloop collects customer reviews through one-time email invitations.
Each invitation carries two signed links (good / not so good); the recipient
clicks, lands on a review form, and submits exactly one review. The event
ledger records invited, clicked and submitted actions per recipient.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REVIEWLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(businessCmd())
	rootCmd.AddCommand(recipientCmd())
	rootCmd.AddCommand(inviteCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default reviewloop.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func businessCmd() *cobra.Command {
	biz := &cobra.Command{Use: "business", Short: "Manage businesses"}
	biz.AddCommand(businessCreateCmd())
	biz.AddCommand(businessListCmd())
	biz.AddCommand(businessShowCmd())
	return biz
}

func businessCreateCmd() *cobra.Command {
	var id, name, replyTo string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a business",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBusiness(ctx, id, name, replyTo)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "business id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "business name")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "reply-to address for invitations")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func businessListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List businesses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListBusinesses(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.Name, b.Status, b.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func businessShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a business",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				b, err := r.GetBusiness(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func recipientCmd() *cobra.Command {
	rec := &cobra.Command{Use: "recipient", Short: "Manage recipients"}
	rec.AddCommand(recipientAddCmd())
	rec.AddCommand(recipientListCmd())
	return rec
}

func recipientAddCmd() *cobra.Command {
	var businessID, email, name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a recipient to a business",
		RunE: func(cmd *cobra.Command, args []string) error {
			if businessID == "" || email == "" {
				return fmt.Errorf("--business and --email required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.AddRecipient(ctx, businessID, email, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&businessID, "business", "", "business id")
	cmd.Flags().StringVar(&email, "email", "", "recipient email")
	cmd.Flags().StringVar(&name, "name", "", "recipient name")
	_ = cmd.MarkFlagRequired("business")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func recipientListCmd() *cobra.Command {
	var businessID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recipients of a business",
		RunE: func(cmd *cobra.Command, args []string) error {
			if businessID == "" {
				return fmt.Errorf("--business required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRecipients(ctx, businessID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Email", "Name", "Happy", "Created"})
				for _, rec := range items {
					happy := ""
					if rec.Happy != nil {
						happy = fmt.Sprintf("%v", *rec.Happy)
					}
					tw.AppendRow(table.Row{rec.ID, rec.Email, rec.Name, happy, rec.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&businessID, "business", "", "business id")
	_ = cmd.MarkFlagRequired("business")
	return cmd
}

func inviteCmd() *cobra.Command {
	inv := &cobra.Command{Use: "invite", Short: "Send review invitations"}
	inv.AddCommand(inviteSendCmd())
	inv.AddCommand(inviteLinksCmd())
	return inv
}

func inviteSendCmd() *cobra.Command {
	var businessID string
	var recipientIDs []string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send invitation email to recipients",
		RunE: func(cmd *cobra.Command, args []string) error {
			if businessID == "" || len(recipientIDs) == 0 {
				return fmt.Errorf("--business and --recipient required")
			}
			return withEngineMailer(cmd.Context(), dryRun, func(ctx context.Context, e engine.Engine) error {
				res, err := e.DispatchInvites(ctx, businessID, recipientIDs, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&businessID, "business", "", "business id")
	cmd.Flags().StringArrayVar(&recipientIDs, "recipient", []string{}, "recipient id (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log email locally instead of delivering")
	_ = cmd.MarkFlagRequired("business")
	return cmd
}

func inviteLinksCmd() *cobra.Command {
	var businessID, recipientID string
	cmd := &cobra.Command{
		Use:   "links",
		Short: "Mint invitation links without sending email",
		RunE: func(cmd *cobra.Command, args []string) error {
			if businessID == "" || recipientID == "" {
				return fmt.Errorf("--business and --recipient required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetRecipient(ctx, businessID, recipientID); err != nil {
					return err
				}
				links, tok, err := e.BuildInviteLinks(businessID, recipientID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"good":  links.Good,
					"bad":   links.Bad,
					"token": tok,
				})
			})
		},
	}
	cmd.Flags().StringVar(&businessID, "business", "", "business id")
	cmd.Flags().StringVar(&recipientID, "recipient", "", "recipient id")
	_ = cmd.MarkFlagRequired("business")
	_ = cmd.MarkFlagRequired("recipient")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Mint and verify capability tokens"}
	tok.AddCommand(tokenMintCmd())
	tok.AddCommand(tokenVerifyCmd())
	return tok
}

func tokenMintCmd() *cobra.Command {
	var businessID, recipientID string
	var ttlDays int
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a capability token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if businessID == "" || recipientID == "" {
				return fmt.Errorf("--business and --recipient required")
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			codec, err := token.New(cfg.Secret(), cfg.PreviousSecret())
			if err != nil {
				return err
			}
			if ttlDays <= 0 {
				ttlDays = cfg.TTLDays()
			}
			tok, err := codec.Mint(businessID, recipientID, time.Duration(ttlDays)*24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&businessID, "business", "", "business id")
	cmd.Flags().StringVar(&recipientID, "recipient", "", "recipient id")
	cmd.Flags().IntVar(&ttlDays, "ttl-days", 0, "token lifetime in days (config default if omitted)")
	_ = cmd.MarkFlagRequired("business")
	_ = cmd.MarkFlagRequired("recipient")
	return cmd
}

func tokenVerifyCmd() *cobra.Command {
	var businessID, recipientID string
	cmd := &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a capability token against a business and recipient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if businessID == "" || recipientID == "" {
				return fmt.Errorf("--business and --recipient required")
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			codec, err := token.New(cfg.Secret(), cfg.PreviousSecret())
			if err != nil {
				return err
			}
			if err := codec.Verify(args[0], businessID, recipientID); err != nil {
				var verr *token.VerifyError
				if errors.As(err, &verr) {
					fmt.Printf("invalid: %s\n", verr.Code)
					os.Exit(1)
				}
				return err
			}
			fmt.Println("valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&businessID, "business", "", "business id")
	cmd.Flags().StringVar(&recipientID, "recipient", "", "recipient id")
	_ = cmd.MarkFlagRequired("business")
	_ = cmd.MarkFlagRequired("recipient")
	return cmd
}

func reviewCmd() *cobra.Command {
	rev := &cobra.Command{Use: "review", Short: "Inspect reviews"}
	rev.AddCommand(reviewListCmd())
	return rev
}

func reviewListCmd() *cobra.Command {
	var businessID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reviews for a business",
		RunE: func(cmd *cobra.Command, args []string) error {
			if businessID == "" {
				return fmt.Errorf("--business required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListReviews(ctx, businessID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Recipient", "Happy", "Stars", "Content", "Created"})
				for _, rev := range items {
					stars := ""
					if rev.Stars != nil {
						stars = fmt.Sprintf("%d", *rev.Stars)
					}
					tw.AppendRow(table.Row{rev.RecipientID, rev.Happy, stars, rev.Content, rev.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&businessID, "business", "", "business id")
	_ = cmd.MarkFlagRequired("business")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Recipient action ledger",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var businessID, recipientID, action string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail recipient action events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, repo.EventFilters{
					BusinessID:  businessID,
					RecipientID: recipientID,
					Action:      action,
					Limit:       n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Business", "Recipient", "Action", "Actor", "At"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.BusinessID, e.RecipientID, e.Action, e.ActorID, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&businessID, "business", "", "business filter")
	cmd.Flags().StringVar(&recipientID, "recipient", "", "recipient filter")
	cmd.Flags().StringVar(&action, "action", "", "action filter (invited, clicked, submitted)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Println("API key (store it now, it is not shown again):")
				fmt.Println(raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var dev bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			codec, err := token.New(cfg.Secret(), cfg.PreviousSecret())
			if err != nil {
				return fmt.Errorf("token secret: %w (set %s)", err, cfg.Token.SecretEnv)
			}
			m := buildMailer(cfg, dev)
			e := engine.New(conn, cfg, codec, m)
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.JWTSecret(),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader || dev,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("%s is required for bearer auth", cfg.Auth.JWTSecretEnv)
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Reviewloop API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&dev, "dev", false, "development mode: log email locally, allow X-Actor-Id auth")
	return cmd
}

// --- helpers ---

func buildMailer(cfg *config.Config, dryRun bool) mailer.Mailer {
	if dryRun || cfg.Mailer.BaseURL == "" {
		return &mailer.LogMailer{}
	}
	timeout := time.Duration(cfg.Mailer.TimeoutSeconds) * time.Second
	return mailer.NewHTTP(cfg.Mailer.BaseURL, os.Getenv(cfg.Mailer.APIKeyEnv), timeout)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withEngineMailer(ctx, false, fn)
}

func withEngineMailer(ctx context.Context, dryRun bool, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	codec, err := token.New(cfg.Secret(), cfg.PreviousSecret())
	if err != nil {
		return fmt.Errorf("token secret: %w (set %s)", err, cfg.Token.SecretEnv)
	}
	e := engine.New(conn, cfg, codec, buildMailer(cfg, dryRun))
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
