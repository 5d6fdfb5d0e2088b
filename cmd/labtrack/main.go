package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labtrack/labtrack/internal/config"
	"github.com/labtrack/labtrack/internal/domain/exam"
	"github.com/labtrack/labtrack/internal/platform/auth"
	"github.com/labtrack/labtrack/internal/platform/db"
	"github.com/labtrack/labtrack/internal/platform/middleware"
	"github.com/labtrack/labtrack/internal/platform/qrcode"
	"github.com/labtrack/labtrack/internal/platform/webhook"
	"github.com/labtrack/labtrack/internal/platform/websocket"
)

const version = "0.1.0"

// hubPublisher forwards lifecycle events to the websocket hub.
type hubPublisher struct {
	hub *websocket.Hub
}

func newHubPublisher(hub *websocket.Hub) *hubPublisher {
	return &hubPublisher{hub: hub}
}

func (p *hubPublisher) PublishTransition(ctx context.Context, ev exam.TransitionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal transition event: %w", err)
	}
	return p.hub.Publish(ctx, websocket.Event{
		Type:      ev.Type,
		ExamID:    ev.ExamID.String(),
		Timestamp: ev.At,
		Data:      data,
	})
}

// webhookPublisher queues lifecycle events for external receivers. Delivery
// happens in the background so a slow receiver never delays a scan.
type webhookPublisher struct {
	notifier *webhook.Notifier
}

func (p *webhookPublisher) PublishTransition(ctx context.Context, ev exam.TransitionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal transition event: %w", err)
	}
	p.notifier.Dispatch(webhook.Event{
		Type:      ev.Type + "." + string(ev.Status),
		ExamID:    ev.ExamID.String(),
		LabID:     db.LabFromContext(ctx),
		Payload:   data,
		Timestamp: ev.At,
	})
	return nil
}

// fanoutPublisher hands each event to every publisher and joins their errors.
type fanoutPublisher []exam.EventPublisher

func (f fanoutPublisher) PublishTransition(ctx context.Context, ev exam.TransitionEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishTransition(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "labtrack",
		Short:        "Laboratory exam lifecycle service",
		SilenceUsage: true,
	}

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(labCmd())
	cmd.AddCommand(qrCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the labtrack API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openPool loads config and connects to Postgres for the admin commands.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.StoreDriver != config.DriverPostgres {
		return nil, nil, fmt.Errorf("command requires STORE_DRIVER=%s, got %q", config.DriverPostgres, cfg.StoreDriver)
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// migrationTarget resolves the --schema and --dir flags, falling back to the
// default lab's schema and the configured migrations directory.
func migrationTarget(cmd *cobra.Command, cfg *config.Config) (schema, dir string) {
	schema, _ = cmd.Flags().GetString("schema")
	if schema == "" {
		schema = db.SchemaName(cfg.DefaultLab)
	}
	dir, _ = cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	return schema, dir
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema, dir := migrationTarget(cmd, cfg)
			n, err := db.NewMigrator(pool, dir).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if n == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is up to date\n", schema)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s) to %s\n", n, schema)
			}
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (default: schema of DEFAULT_LAB)")
	upCmd.Flags().String("dir", "", "Path to migrations directory (default: MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema, dir := migrationTarget(cmd, cfg)
			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "-------", "----", "------", "----------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (default: schema of DEFAULT_LAB)")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default: MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func labCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lab",
		Short: "Manage lab schemas",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lab schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating lab schema: %s\n", db.SchemaName(name))
			if err := db.CreateLabSchema(ctx, pool, name, cfg.MigrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Lab created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Lab identifier (alphanumeric and underscore)")

	cmd.AddCommand(createCmd)
	return cmd
}

func qrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Encode and decode exam label payloads",
	}

	encodeCmd := &cobra.Command{
		Use:   "encode",
		Short: "Print the QR payload for an exam, optionally rendering a PNG",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			var p exam.QRPayload
			p.ID, _ = flags.GetString("id")
			p.ExamType, _ = flags.GetString("exam-type")
			p.PatientName, _ = flags.GetString("patient")
			p.Priority, _ = flags.GetString("priority")

			text, err := exam.EncodeQRPayload(p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)

			pngPath, _ := flags.GetString("png")
			if pngPath == "" {
				return nil
			}
			size, _ := flags.GetInt("size")
			png, err := qrcode.Render(text, size)
			if err != nil {
				return err
			}
			if err := os.WriteFile(pngPath, png, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", pngPath, err)
			}
			return nil
		},
	}
	encodeCmd.Flags().String("id", "", "Exam UUID")
	encodeCmd.Flags().String("exam-type", "", "Exam type shown on the label")
	encodeCmd.Flags().String("patient", "", "Patient name shown on the label")
	encodeCmd.Flags().String("priority", "routine", "Exam priority")
	encodeCmd.Flags().String("png", "", "Write the rendered symbol to this file")
	encodeCmd.Flags().Int("size", qrcode.DefaultSize, "PNG edge length in pixels")
	cmd.AddCommand(encodeCmd)

	decodeCmd := &cobra.Command{
		Use:   "decode <text>",
		Short: "Validate a scanned payload and print its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := exam.DecodeQRPayload(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:        %s\n", p.ID)
			fmt.Fprintf(out, "exam type: %s\n", p.ExamType)
			fmt.Fprintf(out, "patient:   %s\n", p.PatientName)
			fmt.Fprintf(out, "priority:  %s\n", p.Priority)
			return nil
		},
	}
	cmd.AddCommand(decodeCmd)

	return cmd
}

// store bundles the configured history repository with its health probe and
// cleanup.
type store struct {
	history exam.HistoryRepository
	pinger  db.Pinger
	pool    *pgxpool.Pool
	close   func()
}

func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := exam.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &store{history: s, pinger: s, close: func() { s.Close() }}, nil
	default:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			DatabaseURL: cfg.DatabaseURL,
			MaxConns:    cfg.DBMaxConns,
			MinConns:    cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		return &store{history: exam.NewHistoryRepoPG(pool), pinger: pool, pool: pool, close: pool.Close}, nil
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Store
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}
	defer st.close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	// Event fan-out: websocket hub plus optional outbound webhooks
	hub := websocket.NewHub(logger)
	publishers := fanoutPublisher{newHubPublisher(hub)}

	endpoints, err := webhook.ParseEndpoints(cfg.WebhookURLs, cfg.WebhookSecret, cfg.WebhookEvents)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid webhook configuration")
	}
	notifier := webhook.NewNotifier(endpoints, logger)
	if notifier.Endpoints() > 0 {
		publishers = append(publishers, &webhookPublisher{notifier: notifier})
		logger.Info().Int("endpoints", notifier.Endpoints()).Strs("events", cfg.WebhookEvents).Msg("webhooks enabled")
	}

	// Lifecycle service
	svc := exam.NewService(st.history)
	svc.SetStrict(cfg.StrictTransitions)
	svc.SetLogger(logger)
	svc.SetPublisher(publishers)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, db.LabHeader},
	}))
	e.Use(middleware.BodyLimit("64K"))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(st.pinger, cfg.StoreDriver))

	// API group
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	if st.pool != nil {
		apiV1.Use(db.LabMiddleware(st.pool, cfg.DefaultLab))
	}
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	exam.NewHandler(svc, cfg.QRSize).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("strict_transitions", cfg.StrictTransitions).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	notifier.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
