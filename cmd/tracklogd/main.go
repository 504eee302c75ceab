// Command tracklogd runs the trip ledger service: the HTTP API, the prompt
// reconciliation loop, and the background annotation worker.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Koutacode/tracklog-pwa/internal/api"
	"github.com/Koutacode/tracklog-pwa/internal/config"
	"github.com/Koutacode/tracklog-pwa/internal/db"
	"github.com/Koutacode/tracklog-pwa/internal/detector"
	"github.com/Koutacode/tracklog-pwa/internal/ledger"
	"github.com/Koutacode/tracklog-pwa/internal/prompts"
	"github.com/Koutacode/tracklog-pwa/internal/roadgraph"
	"github.com/Koutacode/tracklog-pwa/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Run in dev mode")
	listen     = flag.String("listen", ":8080", "Listen address")
	dbPath     = flag.String("db", "tracklog.db", "Path to the sqlite database")
	configPath = flag.String("config", config.DefaultConfigPath, "Path to the tuning config JSON")
	staticDir  = flag.String("static", "./static", "Directory holding the app shell")
	migrateDir = flag.String("migrate", "", "Run migrations from this directory before serving")
)

// envList splits a comma-separated env var into endpoint URLs.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func main() {
	flag.Parse()

	// .env is optional; it carries endpoint overrides in deployments where
	// flags are awkward (systemd units, containers).
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("skipping .env: %v", err)
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	log.Printf("tracklogd %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	tuning := config.LoadTuningOrDefault(*configPath)

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if *migrateDir != "" {
		if err := database.MigrateUp(*migrateDir); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	store := ledger.NewStore(database)
	roads := roadgraph.NewClient(roadgraph.ClientConfig{
		OverpassEndpoints:  envList("TRACKLOG_OVERPASS_ENDPOINTS"),
		NominatimEndpoints: envList("TRACKLOG_NOMINATIM_ENDPOINTS"),
	})

	coord := prompts.NewCoordinator(prompts.CoordinatorConfig{DB: database})
	manager := detector.NewManager(detector.ManagerConfig{
		Tuning:  tuning,
		Store:   store,
		Roads:   roads,
		Prompts: coord,
	})
	coord.SetHandler(manager)

	annotator := roadgraph.NewAnnotator(roadgraph.AnnotatorConfig{
		Store:   store,
		Querier: roads,
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Apply any decision persisted while the service was down before new
	// fixes start flowing.
	if err := coord.Reconcile(ctx); err != nil {
		log.Printf("startup reconcile failed: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coord.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("prompt coordinator stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := annotator.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("annotation worker stopped: %v", err)
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		database.AttachAdminRoutes(mux)

		apiMux := api.NewServer(store, manager, coord).ServeMux()
		mux.Handle("/api/", apiMux)

		// the app shell is served from disk; in dev this allows iterating on
		// the frontend without restarting the server
		if _, err := os.Stat(*staticDir); err == nil {
			mux.Handle("/", http.FileServer(http.Dir(*staticDir)))
		} else if *devMode {
			log.Printf("static dir %s not found; serving API only", *staticDir)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
