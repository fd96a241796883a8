package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shapecodec/internal/catalog"
	"shapecodec/internal/engine"
	"shapecodec/internal/rest"
	"shapecodec/internal/rpc"
	"shapecodec/internal/shape"

	"github.com/joho/godotenv"
	natsd "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

type config struct {
	NATSURL      string
	HTTPAddr     string
	ShapeBucket  string
	ConfigBucket string
	SchemaDir    string
	RPCPrefix    string
	RPCQueue     string
	Debug        bool
	TestMode     bool
}

func (c *config) load() {
	flag.StringVar(&c.NATSURL, "nats-url", getEnv("NATS_URL", nats.DefaultURL), "NATS server URL")
	flag.StringVar(&c.HTTPAddr, "http-addr", getEnv("HTTP_ADDR", ":8081"), "HTTP server address")
	flag.StringVar(&c.ShapeBucket, "shape-bucket", getEnv("SHAPE_BUCKET", "SHAPES"), "JetStream KV bucket for shape definitions")
	flag.StringVar(&c.ConfigBucket, "config-bucket", getEnv("CONFIG_BUCKET", "CONFIG"), "JetStream KV bucket for configs")
	flag.StringVar(&c.SchemaDir, "schema-dir", getEnv("SCHEMA_DIR", ""), "Directory of shape documents imported at startup")
	flag.StringVar(&c.RPCPrefix, "rpc-prefix", getEnv("RPC_PREFIX", rpc.DefaultPrefix), "NATS subject prefix of the codec service")
	flag.StringVar(&c.RPCQueue, "rpc-queue", getEnv("RPC_QUEUE", "shapecodec"), "NATS queue group of the codec service")
	flag.BoolVar(&c.Debug, "debug", getEnvBool("DEBUG", false), "Enable debug logging")
	flag.BoolVar(&c.TestMode, "test", getEnvBool("TEST_MODE", false), "Enable test mode with embedded NATS server")
}

type server struct {
	cfg          config
	nc           *nats.Conn
	js           nats.JetStreamContext
	kvShapes     nats.KeyValue
	kvConfig     nats.KeyValue
	catalog      *catalog.Catalog
	engine       *engine.Engine
	rpc          *rpc.Service
	http         *http.Server
	natsServer   *natsd.Server
	embeddedNATS bool
	stopWatch    context.CancelFunc
}

func main() {
	// A missing .env file is fine; the environment and flags still apply
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg := config{}
	cfg.load()
	flag.Parse()

	// Configure logging
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}

	logHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(logHandler))

	slog.Info("Starting shape codec server", "config", cfg)

	srv := &server{cfg: cfg}
	if err := srv.setup(); err != nil {
		slog.Error("Failed to setup NATS", "error", err)
		slog.Warn("Continuing with limited functionality (no persistent storage, no RPC)")
	}

	if err := srv.start(); err != nil {
		slog.Error("Failed to start server", "error", err)
		os.Exit(1)
	}

	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	srv.gracefulShutdown(5 * time.Second)
}

// start builds the catalog, the engine and the surfaces serving them
func (s *server) start() error {
	if s.kvShapes == nil {
		slog.Warn("Shape storage not available, using in-memory fallback")
		s.kvShapes = catalog.NewMemoryKeyValue(s.cfg.ShapeBucket)
	}
	if s.kvConfig == nil {
		slog.Warn("Config storage not available, using in-memory fallback")
		s.kvConfig = catalog.NewMemoryKeyValue(s.cfg.ConfigBucket)
	}
	s.catalog = catalog.New(s.kvShapes, s.kvConfig)

	if s.cfg.SchemaDir != "" {
		doc, err := shape.LoadDir(s.cfg.SchemaDir)
		if err != nil {
			return fmt.Errorf("load schema directory: %w", err)
		}
		if err := s.catalog.Import(doc); err != nil {
			// Definitions that were accepted stay usable
			slog.Error("Some definitions were not imported", "dir", s.cfg.SchemaDir, "error", err)
		}
	}

	r, err := s.catalog.Snapshot()
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	if s.engine, err = engine.New(r); err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	slog.Info("Registry loaded", "shapes", len(r.Names()), "enums", len(r.EnumNames()))

	ctx, cancel := context.WithCancel(context.Background())
	s.stopWatch = cancel
	go func() {
		if err := s.catalog.Watch(ctx, s.reload); err != nil {
			slog.Error("Catalog watch stopped", "error", err)
		}
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := s.catalog.WaitReady(waitCtx); err != nil {
		// Serve anyway; the registry just will not follow catalog changes
		slog.Warn("Catalog watch not ready", "error", err)
	}

	if s.nc != nil {
		s.rpc = rpc.NewService(s.nc, s.engine, s.cfg.RPCPrefix)
		if err := s.rpc.Start(s.cfg.RPCQueue); err != nil {
			return fmt.Errorf("start RPC service: %w", err)
		}
	}

	s.http = &http.Server{Addr: s.cfg.HTTPAddr, Handler: rest.New(s.catalog, s.engine).Routes()}
	return nil
}

// reload swaps in a registry built from the catalog; on failure the running
// registry stays in place
func (s *server) reload() {
	r, err := s.catalog.Snapshot()
	if err != nil {
		slog.Warn("Catalog changed but registry could not be built", "error", err)
		return
	}
	if err := s.engine.Swap(r); err != nil {
		slog.Error("Failed to swap registry", "error", err)
		return
	}
	slog.Info("Registry reloaded", "shapes", len(r.Names()), "enums", len(r.EnumNames()))
}

func (s *server) startEmbeddedNATS() error {
	slog.Info("Starting embedded NATS server for testing")

	tmpDir, err := os.MkdirTemp("", "nats-data-*")
	if err != nil {
		return fmt.Errorf("create temp directory: %w", err)
	}

	opts := &natsd.Options{
		JetStream:  true,
		Port:       4222,
		Host:       "127.0.0.1",
		StoreDir:   tmpDir,
		MaxPayload: 8 * 1024 * 1024, // 8MB
	}

	ns, err := natsd.NewServer(opts)
	if err != nil {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("embedded NATS server failed to start")
	}

	timeout := time.Now().Add(5 * time.Second)
	for time.Now().Before(timeout) {
		if ns.JetStreamEnabled() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if !ns.JetStreamEnabled() {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("JetStream failed to start")
	}

	slog.Info("Embedded NATS server started successfully")
	s.natsServer = ns
	s.embeddedNATS = true

	return nil
}

func connectOptions() []nats.Option {
	return []nats.Option{
		nats.Name("Shape Codec"),
		nats.Timeout(5 * time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			slog.Error("NATS error", "error", err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Error("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	}
}

func (s *server) setup() error {
	slog.Debug("Connecting to NATS", "url", s.cfg.NATSURL)

	nc, err := nats.Connect(s.cfg.NATSURL, connectOptions()...)

	// If connection fails and test mode is enabled, start embedded NATS server
	if err != nil && s.cfg.TestMode {
		slog.Info("Failed to connect to external NATS server, starting embedded server")

		if err := s.startEmbeddedNATS(); err != nil {
			return fmt.Errorf("start embedded NATS server: %w", err)
		}

		nc, err = nats.Connect(s.natsServer.ClientURL(), connectOptions()...)
		if err != nil {
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	slog.Info("Connected to NATS")
	s.nc = nc

	slog.Debug("Creating JetStream context")
	s.js, err = nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		return fmt.Errorf("JetStream context: %w", err)
	}

	if s.kvShapes, err = s.makeBucketWithRetry(s.cfg.ShapeBucket, "Shape definitions"); err != nil {
		return fmt.Errorf("create shape bucket: %w", err)
	}
	if s.kvConfig, err = s.makeBucketWithRetry(s.cfg.ConfigBucket, "Config records"); err != nil {
		s.kvShapes = nil
		return fmt.Errorf("create config bucket: %w", err)
	}

	slog.Info("NATS setup completed successfully")
	return nil
}

func (s *server) makeBucketWithRetry(name, desc string) (nats.KeyValue, error) {
	const maxRetries = 5
	var err error
	for i := 0; i < maxRetries; i++ {
		slog.Debug("Setting up bucket", "name", name, "attempt", i+1)
		var kv nats.KeyValue
		if kv, err = s.makeBucket(name, desc); err == nil {
			return kv, nil
		}
		slog.Debug("Retrying bucket creation", "error", err)
		time.Sleep(time.Second)
	}
	return nil, err
}

func (s *server) makeBucket(name, desc string) (nats.KeyValue, error) {
	kv, err := s.js.KeyValue(name)
	if err == nats.ErrBucketNotFound {
		slog.Debug("Bucket not found, creating", "name", name)
		return s.js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      name,
			Description: desc,
			Storage:     nats.FileStorage,
			History:     5,
		})
	}
	return kv, err
}

func (s *server) gracefulShutdown(timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("Shutting down server...")
	if err := s.http.Shutdown(ctx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	if s.stopWatch != nil {
		s.stopWatch()
	}
	if s.rpc != nil {
		s.rpc.Stop()
	}
	if s.nc != nil {
		s.nc.Close()
	}

	// Shutdown the embedded NATS server if it's running
	if s.embeddedNATS && s.natsServer != nil {
		slog.Info("Shutting down embedded NATS server")
		s.natsServer.Shutdown()
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return def
}
