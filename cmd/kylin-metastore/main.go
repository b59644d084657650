// Command kylin-metastore inspects and mutates a path-addressable metadata
// store backed by SQLite and a local blob directory.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	_ "modernc.org/sqlite"

	kylin "github.com/GinaZhai/kylin-1"
	"github.com/GinaZhai/kylin-1/backend"
	"github.com/GinaZhai/kylin-1/store"
	"github.com/GinaZhai/kylin-1/store/dialect"
	"github.com/GinaZhai/kylin-1/telemetry"
)

type globals struct {
	DB           string `help:"SQLite database file." default:"kylin-metastore.db" env:"KYLIN_DB"`
	BlobStore    string `help:"Overflow blob store backend." enum:"filesystem,bolt" default:"filesystem" env:"KYLIN_BLOB_STORE"`
	BlobDir      string `help:"Directory backing the filesystem blob store." default:"kylin-blobs" env:"KYLIN_BLOB_DIR"`
	BlobDB       string `help:"Database file backing the bolt blob store." default:"kylin-blobs.db" env:"KYLIN_BLOB_DB"`
	BlobCompress bool   `help:"Compress overflow payloads with zstd." env:"KYLIN_BLOB_COMPRESS"`
	MaxCellSize  int    `help:"Inline threshold in bytes before content overflows to the blob store." default:"1048576"`
	LogLevel     string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	MetricsAddr  string `help:"Expose Prometheus metrics on this address (empty to disable)." default:""`
}

type cli struct {
	globals

	Get getCmd `cmd:"" help:"Print a resource's content to stdout."`
	Ts  tsCmd  `cmd:"" help:"Print a resource's timestamp."`
	Put putCmd `cmd:"" help:"Write a resource from a file or stdin."`
	Ls  lsCmd  `cmd:"" help:"List resources under a folder."`
	Rm  rmCmd  `cmd:"" help:"Delete a resource."`
}

type appContext struct {
	store  *store.Store
	logger *slog.Logger
}

type getCmd struct {
	Path        string `arg:"" help:"Resource path."`
	AllowBroken bool   `help:"Tolerate unreadable overflow content."`
}

func (c *getCmd) Run(app *appContext) error {
	res, err := app.store.Get(context.Background(), c.Path, true, true, c.AllowBroken)
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("resource %s not found", c.Path)
	}
	if res.IsBroken() {
		return fmt.Errorf("%s", res.Broken)
	}
	_, err = os.Stdout.Write(res.Content)
	return err
}

type tsCmd struct {
	Path string `arg:"" help:"Resource path."`
}

func (c *tsCmd) Run(app *appContext) error {
	ts, err := app.store.GetTimestamp(context.Background(), c.Path)
	if err != nil {
		return err
	}
	fmt.Println(ts)
	return nil
}

type putCmd struct {
	Path string `arg:"" help:"Resource path."`
	File string `arg:"" optional:"" help:"Input file (defaults to stdin)."`
	Cas  bool   `help:"Use check-and-put against the current timestamp."`
}

func (c *putCmd) Run(app *appContext) error {
	var content []byte
	var err error
	if c.File == "" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(c.File)
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	ctx := context.Background()
	now := time.Now().UnixMilli()
	if c.Cas {
		oldTS, err := app.store.GetTimestamp(ctx, c.Path)
		if err != nil {
			return err
		}
		return app.store.CheckAndPut(ctx, c.Path, content, oldTS, now)
	}
	return app.store.Put(ctx, &kylin.Resource{Path: c.Path, Timestamp: now, Content: content})
}

type lsCmd struct {
	Folder    string `arg:"" help:"Folder path to list."`
	Recursive bool   `short:"r" help:"List all descendants instead of one level."`
}

func (c *lsCmd) Run(app *appContext) error {
	paths, err := app.store.ListAll(context.Background(), c.Folder, c.Recursive)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

type rmCmd struct {
	Path string `arg:"" help:"Resource path."`
}

func (c *rmCmd) Run(app *appContext) error {
	return app.store.Delete(context.Background(), c.Path)
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("kylin-metastore"),
		kong.Description("Inspect and mutate a path-addressable metadata store."),
		kong.UsageOnError(),
	)

	logger := newLogger(flags.LogLevel)
	slog.SetDefault(logger)

	app, cleanup, err := setup(&flags.globals, logger)
	if err != nil {
		kctx.FatalIfErrorf(err)
	}
	defer cleanup()

	kctx.FatalIfErrorf(kctx.Run(app))
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:   lvl,
		NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

func setup(g *globals, logger *slog.Logger) (*appContext, func(), error) {
	ctx := context.Background()

	var shutdownMetrics func(context.Context) error
	if g.MetricsAddr != "" {
		var err error
		shutdownMetrics, err = telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "kylin-metastore",
			EnablePrometheus: true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initializing metrics: %w", err)
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.PrometheusHandler())
			if err := http.ListenAndServe(g.MetricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	db, err := sql.Open("sqlite", g.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	// modernc sqlite serializes writers; one pooled connection avoids
	// spurious SQLITE_BUSY under concurrent statements.
	db.SetMaxOpenConns(1)

	blob, closeBlob, err := newBlobStore(g)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("opening blob store: %w", err)
	}

	st, err := store.New(ctx, db, dialect.SQLite{}, blob, store.Config{
		MaxCellSize: g.MaxCellSize,
	}, store.WithLogger(logger))
	if err != nil {
		closeBlob()
		_ = db.Close()
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	cleanup := func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
		closeBlob()
		if shutdownMetrics != nil {
			if err := shutdownMetrics(ctx); err != nil {
				logger.Error("shutting down metrics", "error", err)
			}
		}
	}
	return &appContext{store: st, logger: logger}, cleanup, nil
}

// newBlobStore builds the configured blob store backend, optionally wrapped
// with zstd compression, always wrapped with instrumentation. The returned
// closer releases backend resources and never fails the shutdown path.
func newBlobStore(g *globals) (backend.Backend, func(), error) {
	var (
		blob    backend.Backend
		closers []func() error
	)
	switch g.BlobStore {
	case "bolt":
		b, err := backend.NewBolt(g.BlobDB)
		if err != nil {
			return nil, nil, err
		}
		blob = b
		closers = append(closers, b.Close)
	default:
		fs, err := backend.NewFilesystem(g.BlobDir)
		if err != nil {
			return nil, nil, err
		}
		blob = fs
	}

	if g.BlobCompress {
		z, err := backend.NewZstd(blob)
		if err != nil {
			return nil, nil, err
		}
		blob = z
		closers = append(closers, z.Close)
	}

	closeBlob := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}
	return backend.NewInstrumented(blob, g.BlobStore), closeBlob, nil
}
