package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medledger/medledger/internal/config"
	"github.com/medledger/medledger/internal/domain/consent"
	"github.com/medledger/medledger/internal/domain/ledger"
	"github.com/medledger/medledger/internal/domain/patient"
	"github.com/medledger/medledger/internal/domain/resource"
	"github.com/medledger/medledger/internal/platform/anchorstore"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/cache"
	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/platform/fhir"
	"github.com/medledger/medledger/internal/platform/hipaa"
	"github.com/medledger/medledger/internal/platform/middleware"
	"github.com/medledger/medledger/internal/platform/stream"
	"github.com/medledger/medledger/internal/platform/webhook"
)

const serverVersion = "0.1.0"

// fanoutSink forwards appended ledger events to every configured sink so a
// single Append feeds both the Kafka relay and webhook notifications.
type fanoutSink struct {
	sinks []ledger.EventSink
}

func (f *fanoutSink) Enqueue(tenantID string, e ledger.Event) {
	for _, s := range f.sinks {
		s.Enqueue(tenantID, e)
	}
}

// webhookSink adapts the webhook notifier to the ledger's EventSink so
// subscribers receive ledger.appended events.
type webhookSink struct {
	notifier *webhook.Notifier
}

func (w *webhookSink) Enqueue(tenantID string, e ledger.Event) {
	w.notifier.Notify(webhook.EventLedgerAppended, tenantID, e.EntityType, e.EntityID, e)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "medledger-server",
		Short: "Tamper-evident healthcare compliance ledger",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(keysCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the compliance ledger API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.Drifted {
						status = "drifted"
					}
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Ledger tables revoke UPDATE and DELETE; write a forward migration instead.")
			return nil
		},
	})

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			name, _ := cmd.Flags().GetString("name")
			dir, _ := cmd.Flags().GetString("dir")
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			if name == "" {
				name = id
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: tenant_%s\n", id)
			if err := db.CreateTenantSchema(ctx, pool, id, name, dir); err != nil {
				return err
			}
			fmt.Println("Tenant created and migrated successfully.")
			return nil
		},
	}
	createCmd.Flags().String("id", "", "Tenant identifier (alphanumeric)")
	createCmd.Flags().String("name", "", "Display name (defaults to the identifier)")
	createCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			tenants, err := db.ListTenants(ctx, pool)
			if err != nil {
				return err
			}
			for _, t := range tenants {
				fmt.Println(t)
			}
			return nil
		},
	}
	cmd.AddCommand(listCmd)

	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the audit ledger",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain and report the first divergence",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			from, _ := cmd.Flags().GetInt64("from")
			to, _ := cmd.Flags().GetInt64("to")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			scoped, release, err := db.ScopeToTenant(ctx, pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			svc := ledger.NewService(ledger.NewRepoPG(pool), cfg.LedgerSalt, zerolog.Nop())
			result, err := svc.VerifyRange(scoped, from, to)
			if err != nil {
				return err
			}

			if !result.Valid {
				fmt.Printf("Ledger verification FAILED for tenant %s\n", tenant)
				if result.FirstBadSeq != nil {
					fmt.Printf("First bad seq: %d\n", *result.FirstBadSeq)
				}
				fmt.Printf("Reason: %s\n", result.Reason)
				return fmt.Errorf("ledger verification failed")
			}
			fmt.Printf("Ledger verified for tenant %s: %d event(s) intact.\n", tenant, result.CheckedEvents)
			return nil
		},
	}
	verifyCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	verifyCmd.Flags().Int64("from", 0, "First seq to check (0 = chain start)")
	verifyCmd.Flags().Int64("to", 0, "Last seq to check (0 = chain head)")
	cmd.AddCommand(verifyCmd)

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Sign a checkpoint of the current chain head",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			scoped, release, err := db.ScopeToTenant(ctx, pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			svc := ledger.NewService(ledger.NewRepoPG(pool), cfg.LedgerSalt, zerolog.Nop())
			cp, err := svc.Checkpoint(scoped)
			if err != nil {
				return err
			}

			fmt.Printf("Checkpoint %s created for tenant %s\n", cp.ID, tenant)
			fmt.Printf("Seq:        %d\n", cp.Seq)
			fmt.Printf("Chain hash: %s\n", cp.ChainHash)
			fmt.Printf("Signature:  %s\n", cp.Signature)
			return nil
		},
	}
	checkpointCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(checkpointCmd)

	anchorCmd := &cobra.Command{
		Use:   "anchor",
		Short: "Copy a signed checkpoint to the off-site anchor store",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			cpRef, _ := cmd.Flags().GetString("checkpoint")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.AnchorsEnabled() {
				return fmt.Errorf("anchor store is not configured; set ANCHOR_S3_BUCKET")
			}

			ctx := context.Background()
			store, err := anchorstore.NewS3Store(ctx, anchorstore.S3Config{
				Bucket:    cfg.AnchorS3Bucket,
				Region:    cfg.AnchorS3Region,
				Endpoint:  cfg.AnchorS3Endpoint,
				AccessKey: cfg.AnchorS3AccessKey,
				SecretKey: cfg.AnchorS3SecretKey,
			})
			if err != nil {
				return err
			}

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			scoped, release, err := db.ScopeToTenant(ctx, pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			svc := ledger.NewService(ledger.NewRepoPG(pool), cfg.LedgerSalt, zerolog.Nop())

			var cp *ledger.Checkpoint
			if cpRef != "" {
				id, err := uuid.Parse(cpRef)
				if err != nil {
					return fmt.Errorf("invalid checkpoint id %q: %w", cpRef, err)
				}
				cp, err = svc.GetCheckpoint(scoped, id)
				if err != nil {
					return err
				}
			} else {
				cp, err = svc.LatestCheckpoint(scoped)
				if err != nil {
					return err
				}
			}

			ref, err := svc.Anchor(scoped, cp, store)
			if err != nil {
				return err
			}
			fmt.Printf("Checkpoint %s (seq %d) anchored: %s\n", cp.ID, cp.Seq, ref)
			return nil
		},
	}
	anchorCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	anchorCmd.Flags().String("checkpoint", "", "Checkpoint id (defaults to the latest)")
	cmd.AddCommand(anchorCmd)

	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage PHI encryption keys",
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the PHI cipher key and re-encrypt stored fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			newKey, _ := cmd.Flags().GetString("new-key")
			if newKey == "" {
				return fmt.Errorf("--new-key is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			crypto, err := hipaa.NewEncryptionService(cfg.PHIEncryptionKey, cfg.PHIIndexKey, zerolog.Nop())
			if err != nil {
				return err
			}
			version, err := crypto.Rotate(newKey)
			if err != nil {
				return err
			}
			fmt.Printf("Cipher key rotated to version %d.\n", version)

			patientSvc := patient.NewService(patient.NewRepoPG(pool), crypto, zerolog.Nop())
			tenants, err := db.ListTenants(ctx, pool)
			if err != nil {
				return err
			}

			total := 0
			for _, tenant := range tenants {
				scoped, release, err := db.ScopeToTenant(ctx, pool, tenant)
				if err != nil {
					return err
				}
				n, err := patientSvc.ReEncryptAll(scoped)
				release()
				if err != nil {
					return fmt.Errorf("re-encrypt tenant %s: %w", tenant, err)
				}
				fmt.Printf("%-30s %d record(s) re-encrypted\n", tenant, n)
				total += n
			}
			fmt.Printf("Re-encrypted %d record(s) across %d tenant(s).\n", total, len(tenants))
			return nil
		},
	}
	rotateCmd.Flags().String("new-key", "", "New 32-byte hex cipher key")
	cmd.AddCommand(rotateCmd)

	return cmd
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
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// PHI field encryption
	crypto, err := hipaa.NewEncryptionService(cfg.PHIEncryptionKey, cfg.PHIIndexKey, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize PHI encryption")
	}

	// Audit ledger
	ledgerSvc := ledger.NewService(ledger.NewRepoPG(pool), cfg.LedgerSalt, logger)
	if cfg.LedgerCheckpointEvery > 0 {
		ledgerSvc.SetCheckpointEvery(cfg.LedgerCheckpointEvery)
	}

	// Kafka relay (optional)
	var relay *stream.Relay
	var relayCancel context.CancelFunc
	if cfg.StreamEnabled() {
		pub := stream.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		relay = stream.NewRelay(pub, 0, logger)
		var relayCtx context.Context
		relayCtx, relayCancel = context.WithCancel(ctx)
		go relay.Start(relayCtx)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka relay started")
	}

	// Webhooks
	webhookStore := webhook.NewStorePG(pool)
	webhookMgr := webhook.NewManager(webhookStore, logger, webhook.WithHTTPClient(&http.Client{
		Timeout: time.Duration(cfg.WebhookTimeoutSeconds) * time.Second,
	}))
	notifier := webhook.NewNotifier(webhookMgr, pool, 0, logger)

	// Fan appended events out to the relay and to webhook subscribers.
	sink := &fanoutSink{}
	if relay != nil {
		sink.sinks = append(sink.sinks, ledger.NewRelaySink(relay))
	}
	sink.sinks = append(sink.sinks, &webhookSink{notifier: notifier})
	ledgerSvc.SetSink(sink)

	// Anchor store
	var anchors anchorstore.Store
	if cfg.AnchorsEnabled() {
		s3Store, err := anchorstore.NewS3Store(ctx, anchorstore.S3Config{
			Bucket:    cfg.AnchorS3Bucket,
			Region:    cfg.AnchorS3Region,
			Endpoint:  cfg.AnchorS3Endpoint,
			AccessKey: cfg.AnchorS3AccessKey,
			SecretKey: cfg.AnchorS3SecretKey,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize anchor store")
		}
		anchors = s3Store
		logger.Info().Str("bucket", cfg.AnchorS3Bucket).Msg("s3 anchor store configured")
	} else {
		anchors = anchorstore.NewMemoryStore()
		logger.Warn().Msg("anchor store not configured; anchors are held in memory only")
	}

	// Request audit trail
	auditWriter := middleware.NewAuditWriter(ledgerSvc, pool, 0, logger)

	// Domain services
	consentSvc := consent.NewService(consent.NewRepoPG(pool), ledgerSvc, logger)
	decisionCache := consent.NewDecisionCache(0, 0)
	consentSvc.SetCache(decisionCache)

	resourceSvc := resource.NewService(resource.NewRepoPG(pool), crypto, ledgerSvc, logger)
	patientSvc := patient.NewService(patient.NewRepoPG(pool), crypto, logger)
	resourceSvc.AddProjection(patient.NewProjector(patientSvc))
	resourceSvc.SetIdentifierResolver(patientSvc)

	processor := fhir.NewTransactionProcessor(resourceSvc)

	// Idempotency store: Redis when configured, in-process otherwise.
	var idemStore fhir.IdempotencyStore
	var idemRedis *cache.RedisIdempotencyStore
	var idemMem *fhir.InMemoryIdempotencyStore
	if cfg.RedisURL != "" {
		idemRedis, err = cache.NewRedisIdempotencyStore(cfg.RedisURL, fhir.DefaultIdempotencyTTL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		idemStore = idemRedis
		logger.Info().Msg("redis idempotency store configured")
	} else {
		idemMem = fhir.NewInMemoryIdempotencyStore(fhir.DefaultIdempotencyTTL)
		idemStore = idemMem
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = fhirErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{
			"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID",
			"X-Break-Glass", "X-Break-Glass-Reason", "X-Patient-ID",
			"X-Purpose-Of-Use", "X-Idempotency-Key", "X-Actor-Reference",
		},
		ExposeHeaders: []string{"X-Request-ID", "X-Consent-Decision", "X-Idempotency-Replayed", "ETag", "Location"},
	}))
	e.Use(middleware.Sanitize())

	// Auth middleware
	switch cfg.ResolvedAuthMode() {
	case "development":
		logger.Warn().Msg("development auth mode: all requests run as dev-user")
		e.Use(auth.DevAuthMiddleware(cfg.DefaultTenant))
	case "standalone":
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	default:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}))
	}

	// Tenant middleware; public endpoints answer before schema selection.
	e.Use(skipPublic(db.TenantMiddleware(pool, cfg.DefaultTenant)))

	// Break-glass and request audit trail
	e.Use(middleware.BreakGlass(logger))
	e.Use(middleware.Audit(auditWriter))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	// API groups
	apiV1 := e.Group("/api/v1")
	fhirGroup := e.Group("/fhir")

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	fhirGroup.Use(middleware.RateLimit(rateLimitCfg))

	// Idempotent replay for FHIR writes
	fhirGroup.Use(fhir.IdempotencyMiddleware(idemStore))

	// Consent enforcement on patient-context FHIR requests. Audit and
	// consent reads stay reachable for auditors without patient consent.
	fhirGroup.Use(consent.Enforcement(consentSvc, decisionCache, ledgerSvc, consent.EnforcementConfig{
		ExemptResourceTypes: []string{"AuditEvent", "Consent"},
	}, logger))

	// Health and readiness
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": serverVersion,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/ready", readyHandler(pool))

	// Dynamic CapabilityStatement builder
	baseURL := fmt.Sprintf("http://localhost:%s/fhir", cfg.Port)
	capBuilder := fhir.NewCapabilityBuilder(baseURL, serverVersion)
	if cfg.AuthIssuer != "" {
		capBuilder.SetOAuthURIs(
			cfg.AuthIssuer+"/protocol/openid-connect/auth",
			cfg.AuthIssuer+"/protocol/openid-connect/token",
		)
	}
	capBuilder.SetSystemInteractions([]string{"transaction", "batch"})
	capBuilder.AddResource("Patient", fhir.DefaultInteractions(), nil)
	capBuilder.AddResource("Consent", []string{"read"}, nil)
	capBuilder.AddResource("AuditEvent", []string{"read", "search-type"}, []fhir.SearchParam{
		{Name: "agent", Type: "string"},
		{Name: "entity_type", Type: "string"},
		{Name: "entity_id", Type: "string"},
		{Name: "action", Type: "token"},
		{Name: "from", Type: "date"},
		{Name: "to", Type: "date"},
	})
	e.GET("/fhir/metadata", fhir.MetadataHandler(capBuilder))

	// FHIR transaction endpoint
	bundleHandler := fhir.NewBundleHandler(processor)
	bundleHandler.SetNotifier(notifier)
	bundleHandler.RegisterRoutes(fhirGroup)

	// FHIR resource reads
	resourceHandler := resource.NewHandler(resourceSvc)
	resourceHandler.RegisterRoutes(fhirGroup)

	// Ledger API and FHIR AuditEvent reads
	ledgerHandler := ledger.NewHandler(ledgerSvc, anchors)
	ledgerHandler.SetNotifier(notifier)
	ledgerHandler.RegisterRoutes(apiV1, fhirGroup)

	// Consent management
	consentHandler := consent.NewHandler(consentSvc)
	consentHandler.SetNotifier(notifier)
	consentHandler.RegisterRoutes(apiV1, fhirGroup)

	// Patient blind-index lookup
	patientHandler := patient.NewHandler(patientSvc, ledgerSvc)
	patientHandler.RegisterRoutes(apiV1)

	// Webhook subscriptions
	webhookHandler := webhook.NewHandler(webhookStore, webhookMgr)
	webhookHandler.RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
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

	// Drain the audit trail and webhook queues, then stop the relay.
	auditWriter.Close()
	notifier.Close()
	if relay != nil {
		relayCancel()
		if err := relay.Close(); err != nil {
			logger.Error().Err(err).Msg("kafka relay close failed")
		}
	}
	if idemRedis != nil {
		if err := idemRedis.Close(); err != nil {
			logger.Error().Err(err).Msg("redis close failed")
		}
	}
	if idemMem != nil {
		idemMem.Stop()
	}

	logger.Info().Msg("server stopped")
	return nil
}

// skipPublic exempts public infrastructure paths from a middleware, matching
// the paths the auth skipper exempts.
func skipPublic(mw echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		guarded := mw(next)
		return func(c echo.Context) error {
			if auth.AuthSkipper(c) {
				return next(c)
			}
			return guarded(c)
		}
	}
}

func readyHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	}
}

// fhirErrorHandler renders uncaught errors as OperationOutcome resources so
// REST and FHIR clients see one error shape.
func fhirErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				message = m
			} else {
				message = fmt.Sprintf("%v", he.Message)
			}
		}
		if code >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Int("status", code).Msg("request failed")
			message = "internal server error"
		}

		outcome := fhir.NewOperationOutcome(fhir.IssueSeverityError, issueTypeForStatus(code), message)
		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(code)
		} else {
			writeErr = c.JSON(code, outcome)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("error response write failed")
		}
	}
}

func issueTypeForStatus(code int) string {
	switch code {
	case http.StatusBadRequest:
		return fhir.IssueTypeInvalid
	case http.StatusUnauthorized:
		return fhir.IssueTypeLogin
	case http.StatusForbidden:
		return fhir.IssueTypeSecurity
	case http.StatusNotFound:
		return fhir.IssueTypeNotFound
	case http.StatusMethodNotAllowed:
		return fhir.IssueTypeNotSupported
	case http.StatusConflict, http.StatusPreconditionFailed:
		return fhir.IssueTypeConflict
	case http.StatusTooManyRequests:
		return fhir.IssueTypeThrottled
	case http.StatusGatewayTimeout:
		return fhir.IssueTypeTimeout
	default:
		return fhir.IssueTypeException
	}
}
