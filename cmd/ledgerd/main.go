package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/certledger/internal/archive"
	"github.com/ILLUVRSE/certledger/internal/config"
	"github.com/ILLUVRSE/certledger/internal/escalation"
	"github.com/ILLUVRSE/certledger/internal/httpserver"
	"github.com/ILLUVRSE/certledger/internal/keys"
	"github.com/ILLUVRSE/certledger/internal/ledger"
	"github.com/ILLUVRSE/certledger/internal/recordsigner"
	"github.com/ILLUVRSE/certledger/internal/signature"
	"github.com/ILLUVRSE/certledger/internal/telemetry"
	"github.com/ILLUVRSE/certledger/internal/tlsutil"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, cfg.ServiceName, cfg.OTelInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}

	// Database (only for postgres storage)
	var db *sql.DB
	if cfg.Storage == config.StoragePostgres {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		if err := ledger.Migrate(ctx, db); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		log.Println("connected to postgres")
	}

	backend, err := newKeyBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("key backend: %v", err)
	}
	var managerOpts []keys.Option
	if db != nil {
		pub, err := keys.NewPGStore(db)
		if err != nil {
			log.Fatalf("key registry: %v", err)
		}
		managerOpts = append(managerOpts, keys.WithPublisher(pub))
	}
	km, err := keys.NewManager(backend, managerOpts...)
	if err != nil {
		log.Fatalf("key manager: %v", err)
	}
	// Keys load in the background; /healthz reports 503 until they are ready.
	km.Start(ctx)

	engine, err := signature.NewEngine(km)
	if err != nil {
		log.Fatalf("signature engine: %v", err)
	}
	records, err := recordsigner.New(engine)
	if err != nil {
		log.Fatalf("record signer: %v", err)
	}

	var storage ledger.Storage
	switch cfg.Storage {
	case config.StoragePostgres:
		storage = ledger.NewPGStorage(db)
	case config.StorageFile:
		fs, err := ledger.NewFileStorage(cfg.FileDir)
		if err != nil {
			log.Fatalf("file storage: %v", err)
		}
		storage = fs
	default:
		log.Println("using in-memory ledger storage (entries are lost on restart)")
		storage = ledger.NewMemoryStorage()
	}

	esc := escalation.Multi{escalation.LogEscalator{}}
	var kafkaEsc *escalation.KafkaEscalator
	if len(cfg.KafkaBrokers) > 0 {
		kafkaEsc, err = escalation.NewKafkaEscalator(escalation.KafkaConfig{
			Brokers:         cfg.KafkaBrokers,
			DeadLetterTopic: cfg.KafkaDLQTopic,
			AlertTopic:      cfg.KafkaAlertTopic,
			MaxAttempts:     cfg.KafkaMaxAttempts,
		})
		if err != nil {
			log.Fatalf("kafka escalator: %v", err)
		}
		esc = append(esc, kafkaEsc)
		log.Printf("escalations published to kafka (dlq=%s alerts=%s)", cfg.KafkaDLQTopic, cfg.KafkaAlertTopic)
	}

	storeOpts := []ledger.Option{
		ledger.WithSigner(engine),
		ledger.WithEscalator(esc),
	}
	if cfg.S3Bucket != "" {
		mirror, err := archive.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
		storeOpts = append(storeOpts, ledger.WithMirror(mirror))
		log.Printf("mirroring ledger entries to s3://%s/%s", cfg.S3Bucket, cfg.S3Prefix)
	}
	store, err := ledger.NewStore(storage, []byte(cfg.HMACSecret), storeOpts...)
	if err != nil {
		log.Fatalf("ledger store: %v", err)
	}

	auth, err := httpserver.NewVerifier(httpserver.AuthConfig{
		HMACSecret:    []byte(cfg.JWTHMACSecret),
		PublicKeyPath: cfg.JWTPublicKeyPath,
		Issuer:        cfg.JWTIssuer,
	})
	if err != nil {
		log.Fatalf("jwt verifier: %v", err)
	}
	if auth == nil {
		log.Println("WARNING: no JWT key configured; query API is unauthenticated")
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpserver.New(store, km, records, auth).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLSCert != "" {
		tlsCfg, err := tlsutil.NewServerTLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.TLSClientCA, cfg.TLSClientCA != "")
		if err != nil {
			log.Fatalf("failed to initialize TLS config: %v", err)
		}
		srv.TLSConfig = tlsCfg
		go func() {
			log.Printf("starting ledgerd (TLS) on %s", cfg.ListenAddr)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				log.Fatalf("server failed: %v", err)
			}
		}()
	} else {
		go func() {
			log.Printf("starting ledgerd on %s", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("server failed: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if kafkaEsc != nil {
		if err := kafkaEsc.Close(); err != nil {
			log.Printf("kafka close: %v", err)
		}
	}
	if err := km.Close(); err != nil {
		log.Printf("key manager close: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown: %v", err)
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("server stopped")
}

func newKeyBackend(ctx context.Context, cfg *config.Config) (keys.Backend, error) {
	if cfg.KeyBackend == config.KeyBackendLocal {
		return keys.NewLocalBackend(cfg.KeyDir, cfg.KeyPassphrase)
	}

	var client keys.KMSClient
	switch cfg.KMSProvider {
	case config.KMSProviderHTTP:
		tlsCfg, err := tlsutil.NewClientTLSConfig(cfg.KMSClientCert, cfg.KMSClientKey, cfg.KMSCACert)
		if err != nil {
			return nil, err
		}
		c, err := keys.NewHTTPKMSClient(keys.HTTPKMSConfig{
			Endpoint:    cfg.KMSEndpoint,
			BearerToken: cfg.KMSBearerToken,
			TLS:         tlsCfg,
			Timeout:     cfg.KMSTimeout,
		})
		if err != nil {
			return nil, err
		}
		client = c
	default:
		c, err := keys.NewAWSKMSClient(ctx, cfg.KMSRegion, cfg.KMSEndpoint)
		if err != nil {
			return nil, err
		}
		client = c
	}
	return keys.NewKMSBackend(client, keys.KMSConfig{
		KeyID:      cfg.KMSKeyID,
		KeyVersion: cfg.KMSKeyVersion,
		Timeout:    cfg.KMSTimeout,
		MaxRetries: cfg.KMSMaxRetries,
	})
}
