package cli

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/vbp1/replstream/internal/debug"
	"github.com/vbp1/replstream/internal/lock"
	applog "github.com/vbp1/replstream/internal/log"
	"github.com/vbp1/replstream/internal/progress"
	"github.com/vbp1/replstream/internal/replconn"
	"github.com/vbp1/replstream/internal/util/fs"
	"github.com/vbp1/replstream/internal/util/signalctx"
	"github.com/vbp1/replstream/internal/walreceive"
	"github.com/vbp1/replstream/internal/xerrors"
	"github.com/vbp1/replstream/internal/xlog"
)

type walReceiverConfig struct {
	conn connFlags

	Dir           string
	Progress      bool
	Verbose       bool
	Debug         bool
	StatusTimeout time.Duration
}

var wrCfg = &walReceiverConfig{}

// WalReceiverCmd is the pgreceivewal program's root command.
var WalReceiverCmd = &cobra.Command{
	Use:           "pgreceivewal",
	Short:         "Continuously stream WAL from a PostgreSQL server to local segment files",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		applog.Setup(wrCfg.Debug, wrCfg.Verbose)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWalReceiver(wrCfg)
	},
}

func init() {
	f := WalReceiverCmd.Flags()
	f.StringVar(&wrCfg.Dir, "dir", "", "directory to write WAL segment files to (required)")
	f.BoolVar(&wrCfg.Progress, "progress", false, "report progress on the error stream")
	f.BoolVar(&wrCfg.Verbose, "verbose", false, "verbose logging")
	f.BoolVar(&wrCfg.Debug, "debug", false, "debug logging, with source file/line on every record")
	f.DurationVar(&wrCfg.StatusTimeout, "status-timeout", 10*time.Second,
		"send a standby status update if this much time passes with no message from the server (0 disables)")
	addConnFlags(WalReceiverCmd, &wrCfg.conn)
	_ = WalReceiverCmd.MarkFlagRequired("dir")
}

// ExecuteWalReceiver parses flags and runs pgreceivewal.
func ExecuteWalReceiver() error { return WalReceiverCmd.Execute() }

func runWalReceiver(cfg *walReceiverConfig) error {
	debug.StopIf("pgreceivewal-start")

	if cfg.Dir == "" {
		return xerrors.NewConfig("--dir is required")
	}
	if err := fs.MkdirP(cfg.Dir, 0o700); err != nil {
		return xerrors.NewIo("mkdir", cfg.Dir, err)
	}

	lk := lock.New(cfg.Dir)
	ok, err := lk.TryLock()
	if err != nil {
		return xerrors.NewConfig("acquire lock: %v", err)
	}
	if !ok {
		return xerrors.NewConfig("another pgreceivewal process is already running against %s", cfg.Dir)
	}
	defer func() { _ = lk.Unlock() }()

	ctx, cancel, _ := signalctx.WithSignals(context.Background())
	defer cancel()

	dsn := cfg.conn.dsn()
	conn, err := replconn.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	rep := progress.New(cfg.Progress, "WAL receive", 0, os.Stderr)
	defer rep.Done()

	engine := walreceive.NewEngine(walreceive.WrapConn(conn))
	last, err := engine.Run(ctx, walreceive.Options{
		BaseDir:       cfg.Dir,
		SegmentSize:   xlog.DefaultSegmentSize,
		RenamePartial: true,
		Hook:          removeStalePartialHook(cfg.Dir),
		OnBytes:       rep.Add,
		StatusTimeout: cfg.StatusTimeout,
	})
	if err != nil {
		return err
	}

	slog.Info("WAL streaming ended", "position", last.String())
	return nil
}

// removeStalePartialHook builds a SegmentHook that removes a ".partial"
// file left next to a segment that has just been completed and renamed
// to its final name. Normal operation never leaves one behind, but a
// prior run interrupted between FinishSegment's rename and its own exit
// can; the hook is idempotent, since a missing file is not an error, and
// it only ever targets the ".partial"-suffixed name, never the completed
// segment itself.
func removeStalePartialHook(baseDir string) walreceive.SegmentHook {
	return func(endPos xlog.Position, tli xlog.Timeline) (walreceive.HookResult, error) {
		segBefore := xlog.SegmentOf(tli, endPos.Add(-1), xlog.DefaultSegmentSize)
		stale := filepath.Join(baseDir, segBefore.Name()+".partial")
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return walreceive.HookContinue, xerrors.NewIo("remove", stale, err)
		}
		return walreceive.HookContinue, nil
	}
}
