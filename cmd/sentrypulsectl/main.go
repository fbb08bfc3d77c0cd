// Command sentrypulsectl is an operator tool for out-of-band maintenance
// tasks that don't belong on the HTTP surface: replaying dead-lettered
// ingest failures and driving a historical backfill. Subcommand dispatch
// follows the teacher's cmd/scout layout (os.Args[1] switch, one FlagSet
// per subcommand) rather than a flag-parsing framework, since there are
// only two operations and no shared flag surface between them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sentrypulse/sentrypulse/internal/appconfig"
	"github.com/sentrypulse/sentrypulse/internal/dbpool"
	"github.com/sentrypulse/sentrypulse/internal/ingest"
	"github.com/sentrypulse/sentrypulse/internal/metricstore"
	"github.com/sentrypulse/sentrypulse/pkg/telemetry"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "requeue-dead-letters":
		requeueDeadLettersCmd(os.Args[2:])
	case "backfill":
		backfillCmd(os.Args[2:])
	case "version":
		fmt.Println("sentrypulsectl " + version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: sentrypulsectl [requeue-dead-letters|backfill|version] [flags]")
}

func requeueDeadLettersCmd(args []string) {
	fs := pflag.NewFlagSet("requeue-dead-letters", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger, handler, closeFn := bootstrap(*configPath)
	defer closeFn()

	replayed, err := handler.RetryDeadLetters(context.Background())
	if err != nil {
		logger.Fatal("dead letter retry pass failed", zap.Error(err))
	}
	fmt.Printf("replayed %d dead-lettered batch(es)\n", replayed)
}

func backfillCmd(args []string) {
	fs := pflag.NewFlagSet("backfill", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	tenantID := fs.String("tenant", "", "tenant ID to backfill into")
	sourceID := fs.String("source", "", "source ID to attribute ingested points to")
	fromStr := fs.String("from", "", "RFC3339 start of the backfill window (inclusive)")
	toStr := fs.String("to", "", "RFC3339 end of the backfill window (exclusive)")
	width := fs.Duration("width", time.Hour, "batch width fetch is called with")
	file := fs.String("file", "", "path to a JSON file containing an array of raw points to replay")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *tenantID == "" || *sourceID == "" || *fromStr == "" || *toStr == "" || *file == "" {
		fmt.Fprintln(os.Stderr, "backfill requires --tenant, --source, --from, --to and --file")
		os.Exit(1)
	}

	from, err := time.Parse(time.RFC3339, *fromStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --from: %v\n", err)
		os.Exit(1)
	}
	to, err := time.Parse(time.RFC3339, *toStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --to: %v\n", err)
		os.Exit(1)
	}

	points, err := loadRawPoints(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *file, err)
		os.Exit(1)
	}

	logger, handler, closeFn := bootstrap(*configPath)
	defer closeFn()

	fetch := func(_ context.Context, batchStart, batchEnd time.Time) ([]telemetry.RawPoint, error) {
		return pointsInWindow(points, batchStart, batchEnd), nil
	}

	resp, err := handler.Backfill(context.Background(), *tenantID, *sourceID, from, to, *width, fetch)
	if err != nil {
		logger.Fatal("backfill failed", zap.Error(err))
	}
	fmt.Printf("backfill complete: accepted=%d rejected=%d duration_ms=%d\n", resp.Accepted, resp.Rejected, resp.DurationMs)
}

// loadRawPoints reads a JSON array of telemetry.RawPoint from file. There is
// no external backfill data source wired into this module, so the CLI's
// extension point is a local export file; a real deployment would replace
// this with a call into whatever cold-storage system holds the history.
func loadRawPoints(path string) ([]telemetry.RawPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var points []telemetry.RawPoint
	if err := json.NewDecoder(f).Decode(&points); err != nil {
		return nil, fmt.Errorf("decode raw points: %w", err)
	}
	return points, nil
}

func pointsInWindow(points []telemetry.RawPoint, from, to time.Time) []telemetry.RawPoint {
	var out []telemetry.RawPoint
	for _, p := range points {
		if p.Timestamp == nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, *p.Timestamp)
		if err != nil {
			continue
		}
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// bootstrap opens just enough of the stack (config, logger, database, ingest
// handler) to run a one-shot maintenance command. Unlike cmd/sentrypulse it
// never starts the HTTP server, the analysis pipeline or the eventbus: those
// have no bearing on either subcommand.
func bootstrap(configPath string) (*zap.Logger, *ingest.Handler, func()) {
	appconfig.RegisterFlags(pflag.CommandLine)
	cfg, v, err := appconfig.Load(pflag.CommandLine, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := appconfig.NewLogger(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	pool, err := dbpool.Open(cfg.Database.Path, cfg.Pool.MaxSize)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}

	ctx := context.Background()
	metricStore := metricstore.New(pool)
	if err := pool.Migrate(ctx, "metricstore", metricstore.Migrations()); err != nil {
		logger.Fatal("failed to migrate metricstore schema", zap.Error(err))
	}

	ingestStore := ingest.NewSQLStore(pool)
	if err := ingestStore.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate ingest schema", zap.Error(err))
	}

	normalizer := telemetry.NewNormalizer(version)
	handler := ingest.New(normalizer, metricStore, ingestStore, ingestStore, ingestStore, logger.Named("ingest"), ingest.Config{
		ChunkSize:           cfg.Ingest.ChunkSize,
		DeadLetterBatchSize: cfg.Ingest.DeadLetterBatchSize,
		IdempotencyTTL:      cfg.Ingest.IdempotencyTTL,
		MaxDeadLetterRetry:  cfg.Ingest.MaxDeadLetterRetry,
	})

	closeFn := func() {
		_ = logger.Sync()
		_ = pool.Drain(context.Background(), cfg.Pool.DrainTimeout)
	}
	return logger, handler, closeFn
}
