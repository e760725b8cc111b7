// Command uringsync copies and synchronizes files using io_uring, with
// a blocking sync_mode fallback and an optional PSK/kTLS network mode.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/uringsync/internal/config"
	"github.com/bamsammich/uringsync/internal/ktls"
	"github.com/bamsammich/uringsync/internal/netrecv"
	"github.com/bamsammich/uringsync/internal/netsend"
	"github.com/bamsammich/uringsync/internal/queue"
	"github.com/bamsammich/uringsync/internal/scan"
	"github.com/bamsammich/uringsync/internal/stats"
	"github.com/bamsammich/uringsync/internal/summary"
	"github.com/bamsammich/uringsync/internal/syncrun"
	"github.com/bamsammich/uringsync/internal/verify"
	"github.com/bamsammich/uringsync/internal/worker"
)

var version = "dev"

// ktlsProbeFlag is a hidden re-exec'd self-test: a caller unsure whether
// the running kernel supports kTLS on --tls can invoke the binary with
// this single argument and read the exit code, without needing a real
// send/recv pair. Checked before cobra parses anything, mirroring the
// teacher's proto.WorkerModeFlag re-exec branch in cmd/beam/main.go.
const ktlsProbeFlag = "--ktls-probe"

func main() {
	if len(os.Args) == 2 && os.Args[1] == ktlsProbeFlag {
		os.Exit(runKTLSProbe())
	}
	os.Exit(run())
}

func runKTLSProbe() int {
	if ktls.Available() {
		fmt.Fprintln(os.Stdout, "ktls: available")
		return 0
	}
	fmt.Fprintln(os.Stderr, "ktls: unavailable (tls ULP could not be loaded)")
	return 1
}

type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

//nolint:gocyclo // main CLI entry point orchestrates all flag parsing and mode selection
func run() int {
	var (
		workers      int
		queueDepth   int
		chunkSize    int64
		useSplice    bool
		syncMode     bool
		verboseFlag  bool
		verifyFlag   bool
		secretStr    string
		tlsFlag      bool
		asyncNetFlag bool
		listenPort   int
		bwLimitStr   string // send-only: network throughput cap
		showVersion  bool
	)

	rootCmd := &cobra.Command{
		Use:   "uringsync [flags] <source> <destination>",
		Short: "io_uring-backed file copy and sync",
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "uringsync %s\n", version)
				return nil
			}
			return runLocal(cmd, args[0], args[1], localOpts{
				workers:    workers,
				queueDepth: queueDepth,
				chunkSize:  chunkSize,
				useSplice:  useSplice,
				syncMode:   syncMode,
				verbose:    verboseFlag,
				verify:     verifyFlag,
				workersSet: cmd.Flags().Changed("workers"),
			})
		},
	}
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
	rootCmd.Flags().IntVarP(&workers, "workers", "n", 0, "number of worker engines (default: min(NumCPU, 8))")
	rootCmd.Flags().IntVar(&queueDepth, "queue-depth", 64, "ring/buffer/pipe depth per worker")
	rootCmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "buffer/pipe capacity in bytes (0: auto-pick from observed sizes)")
	rootCmd.Flags().BoolVar(&useSplice, "use-splice", false, "use splice(2) zero-copy data path when a pipe loan is available")
	rootCmd.Flags().BoolVar(&syncMode, "sync-mode", false, "blocking per-file copy instead of the async ring engine")
	rootCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "emit per-error diagnostic lines")
	rootCmd.Flags().BoolVar(&verifyFlag, "verify", false, "BLAKE3 hash every file after copy and report mismatches")

	sendCmd := &cobra.Command{
		Use:   "send <source-root> <host:port>",
		Short: "stream a directory tree to a listening uringsync recv",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, args[0], args[1], netOpts{
				chunkSize:    chunkSize,
				secret:       secretStr,
				tls:          tlsFlag,
				asyncNetwork: asyncNetFlag,
				verbose:      verboseFlag,
				bwLimitStr:   bwLimitStr,
			})
		},
	}
	sendCmd.Flags().Int64Var(&chunkSize, "chunk-size", stats.DefaultChunkSize, "per-frame chunk size in bytes")
	sendCmd.Flags().StringVar(&secretStr, "secret", "", "pre-shared authentication token")
	sendCmd.Flags().BoolVar(&tlsFlag, "tls", false, "enable kernel record-layer encryption (requires --secret)")
	sendCmd.Flags().BoolVar(&asyncNetFlag, "async-network", false, "run the network engine on the ring instead of a blocking loop")
	sendCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "emit per-error diagnostic lines")
	sendCmd.Flags().StringVar(&bwLimitStr, "bwlimit", "", "bandwidth limit (e.g. 100M, 1G)")

	recvCmd := &cobra.Command{
		Use:   "recv <destination-root>",
		Short: "accept one uringsync send connection and write files under destination-root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecv(cmd, args[0], netOpts{
				secret:       secretStr,
				tls:          tlsFlag,
				asyncNetwork: asyncNetFlag,
				verbose:      verboseFlag,
				listenPort:   listenPort,
			})
		},
	}
	recvCmd.Flags().StringVar(&secretStr, "secret", "", "pre-shared authentication token")
	recvCmd.Flags().BoolVar(&tlsFlag, "tls", false, "enable kernel record-layer encryption (requires --secret)")
	recvCmd.Flags().BoolVar(&asyncNetFlag, "async-network", false, "run the network engine on the ring instead of a blocking loop")
	recvCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "emit per-error diagnostic lines")
	recvCmd.Flags().IntVar(&listenPort, "listen-port", 9231, "TCP port to bind")

	rootCmd.AddCommand(sendCmd, recvCmd, docsCmd)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type localOpts struct {
	workers    int
	queueDepth int
	chunkSize  int64
	useSplice  bool
	syncMode   bool
	verbose    bool
	verify     bool
	workersSet bool
}

func runLocal(cmd *cobra.Command, src, dst string, o localOpts) error {
	setupLogging(o.verbose)

	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "error", err)
	}
	applyLocalDefaults(cmd, cfg.Defaults, &o)

	if o.workersSet && o.workers <= 0 {
		return fmt.Errorf("--workers must be >= 1, got %d", o.workers)
	}
	if !o.workersSet && o.workers <= 0 {
		o.workers = min(runtime.NumCPU(), 8)
	}

	ctx, stop := signalContext()
	defer stop()

	plan, err := scan.Run(scan.Config{SrcRoot: src, DstRoot: dst, ChunkSize: o.chunkSize})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	collector := stats.NewCollector()

	slog.Debug("starting copy",
		"src", src, "dst", dst, "workers", o.workers, "sync_mode", o.syncMode,
		"files", len(plan.Items), "chunk_size", plan.ChunkSize,
	)

	if o.syncMode {
		// syncrun.Run records the plan's totals itself.
		err = syncrun.Run(syncrun.Config{Stats: collector}, plan)
	} else {
		// Each copyjob adds its file's size to bytes_total when it stats
		// the source, so only file and directory totals are recorded here.
		collector.AddFilesTotal(int64(len(plan.Items)))
		collector.AddDirsCreated(plan.DirsCreated)
		err = runWorkerEngines(ctx, o, plan, collector)
	}

	if o.verify && err == nil {
		verifyPlan(plan)
	}

	snap := collector.Snapshot()
	fmt.Fprintln(os.Stderr, summary.Line(snap))

	if err != nil {
		slog.Error("copy failed", "error", err)
		return &exitError{code: 1}
	}
	if snap.ExitFailed() {
		return &exitError{code: 1}
	}
	return nil
}

func applyLocalDefaults(cmd *cobra.Command, d config.DefaultsConfig, o *localOpts) {
	if !cmd.Flags().Changed("workers") && d.Workers != nil {
		o.workers = *d.Workers
	}
	if !cmd.Flags().Changed("queue-depth") && d.QueueDepth != nil {
		o.queueDepth = *d.QueueDepth
	}
	if !cmd.Flags().Changed("chunk-size") && d.ChunkSize != nil {
		o.chunkSize = *d.ChunkSize
	}
	if !cmd.Flags().Changed("use-splice") && d.UseSplice != nil {
		o.useSplice = *d.UseSplice
	}
	if !cmd.Flags().Changed("sync-mode") && d.SyncMode != nil {
		o.syncMode = *d.SyncMode
	}
	if !cmd.Flags().Changed("verbose") && d.Verbose != nil {
		o.verbose = *d.Verbose
	}
}

// runWorkerEngines fans the plan's items across o.workers Engines
// sharing one queue (spec §4.6/§5): one goroutine per engine, the main
// goroutine feeds the queue and closes it once every item is pushed.
func runWorkerEngines(ctx context.Context, o localOpts, plan scan.Plan, collector *stats.Collector) error {
	chunkSize := plan.ChunkSize
	if o.chunkSize > 0 {
		chunkSize = o.chunkSize
	}

	q := queue.New()
	items := make([]queue.Item, len(plan.Items))
	for i, it := range plan.Items {
		items[i] = it
	}

	engines := make([]*worker.Engine, 0, o.workers)
	for i := 0; i < o.workers; i++ {
		eng, err := worker.New(worker.Config{
			QueueDepth: o.queueDepth,
			ChunkSize:  chunkSize,
			UseSplice:  o.useSplice,
			Stats:      collector,
		}, q)
		if err != nil {
			for _, e := range engines {
				e.Close()
			}
			return fmt.Errorf("worker %d: %w", i, err)
		}
		engines = append(engines, eng)
	}
	defer func() {
		for _, e := range engines {
			e.Close()
		}
	}()

	q.PushBulk(items)
	q.Close()

	errCh := make(chan error, len(engines))
	for _, e := range engines {
		go func(e *worker.Engine) { errCh <- e.Run(ctx) }(e)
	}

	var firstErr error
	for range engines {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func verifyPlan(plan scan.Plan) {
	for _, item := range plan.Items {
		if item.DstPath == "" {
			continue
		}
		mismatch, err := verify.Pair(item.SrcPath, item.DstPath)
		if err != nil {
			slog.Warn("verify: could not compare", "path", item.SrcPath, "error", err)
			continue
		}
		if mismatch != nil {
			slog.Error("verify: digest mismatch", "src", mismatch.SrcPath, "dst", mismatch.DstPath)
		}
	}
}

type netOpts struct {
	chunkSize    int64
	secret       string
	tls          bool
	asyncNetwork bool
	verbose      bool
	listenPort   int
	bwLimitStr   string
}

// validateNetOpts enforces Open Question #4: --tls and --async-network
// are mutually exclusive because kTLS arms the raw socket fd and the
// ring facade cannot also assume ownership of that fd's read/write state.
func validateNetOpts(o netOpts) error {
	if o.tls && o.asyncNetwork {
		return errors.New("--tls and --async-network are mutually exclusive: kTLS arms the socket fd directly, the ring engine cannot also own it")
	}
	if o.tls && o.secret == "" {
		return errors.New("--tls requires --secret")
	}
	return nil
}

func runSend(cmd *cobra.Command, srcRoot, addr string, o netOpts) error {
	setupLogging(o.verbose)

	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "error", err)
	}
	if !cmd.Flags().Changed("secret") && cfg.Defaults.Secret != nil {
		o.secret = *cfg.Defaults.Secret
	}
	if !cmd.Flags().Changed("tls") && cfg.Defaults.TLS != nil {
		o.tls = *cfg.Defaults.TLS
	}
	if !cmd.Flags().Changed("async-network") && cfg.Defaults.AsyncNet != nil {
		o.asyncNetwork = *cfg.Defaults.AsyncNet
	}

	if err := validateNetOpts(o); err != nil {
		return err
	}
	var bwLimit int64
	if o.bwLimitStr != "" {
		bwLimit, err = parseSize(o.bwLimitStr)
		if err != nil {
			return fmt.Errorf("invalid --bwlimit: %w", err)
		}
	}

	plan, err := scan.Run(scan.Config{SrcRoot: srcRoot, ChunkSize: o.chunkSize, NoDst: true})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	collector := stats.NewCollector()
	collector.AddFilesTotal(int64(len(plan.Items)))
	collector.AddBytesTotal(plan.TotalBytes)

	err = netsend.Run(netsend.Config{
		Addr:         addr,
		SrcRoot:      srcRoot,
		Secret:       []byte(o.secret),
		UseTLS:       o.tls,
		ChunkSize:    plan.ChunkSize,
		Stats:        collector,
		BWLimit:      bwLimit,
		AsyncNetwork: o.asyncNetwork,
	}, plan)

	snap := collector.Snapshot()
	fmt.Fprintln(os.Stderr, summary.Line(snap))

	if err != nil {
		slog.Error("send failed", "error", err)
		return &exitError{code: 1}
	}
	return nil
}

func runRecv(cmd *cobra.Command, dstRoot string, o netOpts) error {
	setupLogging(o.verbose)

	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "error", err)
	}
	if !cmd.Flags().Changed("secret") && cfg.Defaults.Secret != nil {
		o.secret = *cfg.Defaults.Secret
	}
	if !cmd.Flags().Changed("tls") && cfg.Defaults.TLS != nil {
		o.tls = *cfg.Defaults.TLS
	}
	if !cmd.Flags().Changed("async-network") && cfg.Defaults.AsyncNet != nil {
		o.asyncNetwork = *cfg.Defaults.AsyncNet
	}
	if !cmd.Flags().Changed("listen-port") && cfg.Defaults.ListenPort != nil {
		o.listenPort = *cfg.Defaults.ListenPort
	}

	if err := validateNetOpts(o); err != nil {
		return err
	}
	if err := os.MkdirAll(dstRoot, 0o755); err != nil {
		return fmt.Errorf("recv: create destination root: %w", err)
	}

	collector := stats.NewCollector()
	err = netrecv.Run(netrecv.Config{
		Addr:         fmt.Sprintf(":%d", o.listenPort),
		DstRoot:      dstRoot,
		Secret:       []byte(o.secret),
		UseTLS:       o.tls,
		Stats:        collector,
		AsyncNetwork: o.asyncNetwork,
	})

	snap := collector.Snapshot()
	fmt.Fprintln(os.Stderr, summary.Line(snap))

	if err != nil {
		slog.Error("recv failed", "error", err)
		return &exitError{code: 1}
	}
	return nil
}

// parseSize parses a human size string like "100M" or "1G" into bytes.
func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	var mult int64 = 1
	suffix := s[len(s)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n * mult, nil
}
