package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/vbp1/replstream/internal/basebackup"
	"github.com/vbp1/replstream/internal/debug"
	"github.com/vbp1/replstream/internal/lock"
	applog "github.com/vbp1/replstream/internal/log"
	"github.com/vbp1/replstream/internal/postgres"
	"github.com/vbp1/replstream/internal/progress"
	"github.com/vbp1/replstream/internal/replconn"
	"github.com/vbp1/replstream/internal/util/disk"
	"github.com/vbp1/replstream/internal/util/signalctx"
	"github.com/vbp1/replstream/internal/xerrors"
)

type baseBackupConfig struct {
	conn connFlags

	BaseDir  string
	TarDir   string
	Compress int
	Label    string
	Progress bool
	Verbose  bool
	Debug    bool
}

var bbCfg = &baseBackupConfig{}

// BaseBackupCmd is the pgbasebackup program's root command.
var BaseBackupCmd = &cobra.Command{
	Use:           "pgbasebackup",
	Short:         "Pull a PostgreSQL base backup over the replication protocol",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		applog.Setup(bbCfg.Debug, bbCfg.Verbose)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBaseBackup(bbCfg)
	},
}

func init() {
	f := BaseBackupCmd.Flags()
	f.StringVar(&bbCfg.BaseDir, "basedir", "", "unpack the backup under this directory (mutually exclusive with --tardir)")
	f.StringVar(&bbCfg.TarDir, "tardir", "", "write tar files under this directory, or \"-\" for stdout")
	f.IntVar(&bbCfg.Compress, "compress", 0, "gzip level 0-9 (tar mode only)")
	f.StringVar(&bbCfg.Label, "label", "replstream base backup", "backup label sent to the server")
	f.BoolVar(&bbCfg.Progress, "progress", false, "report progress on the error stream")
	f.BoolVar(&bbCfg.Verbose, "verbose", false, "verbose logging")
	f.BoolVar(&bbCfg.Debug, "debug", false, "debug logging, with source file/line on every record")
	addConnFlags(BaseBackupCmd, &bbCfg.conn)
}

// Execute parses flags and runs pgbasebackup.
func Execute() error { return BaseBackupCmd.Execute() }

func runBaseBackup(cfg *baseBackupConfig) error {
	debug.StopIf("pgbasebackup-start")

	if (cfg.BaseDir == "") == (cfg.TarDir == "") {
		return xerrors.NewConfig("exactly one of --basedir or --tardir is required")
	}
	if cfg.Compress < 0 || cfg.Compress > 9 {
		return xerrors.NewConfig("--compress must be between 0 and 9")
	}

	mode := basebackup.ModeTree
	targetDir := cfg.BaseDir
	var stdout io.Writer
	if cfg.TarDir != "" {
		mode = basebackup.ModeTar
		targetDir = cfg.TarDir
		if cfg.TarDir == "-" {
			stdout = os.Stdout
			targetDir = ""
		}
	}

	lockPath := targetDir
	if lockPath == "" {
		lockPath = "stdout"
	}
	lk := lock.New(lockPath)
	ok, err := lk.TryLock()
	if err != nil {
		return xerrors.NewConfig("acquire lock: %v", err)
	}
	if !ok {
		return xerrors.NewConfig("another pgbasebackup process is already running against %s", lockPath)
	}
	defer func() { _ = lk.Unlock() }()

	ctx, cancel, _ := signalctx.WithSignals(context.Background())
	defer cancel()

	dsn := cfg.conn.dsn()

	pool, err := postgres.Connect(ctx, dsn, 1)
	if err != nil {
		return xerrors.NewIo("connect", cfg.conn.Host, err)
	}
	defer pool.Close()
	if err := postgres.EnsureVersion15Plus(ctx, pool); err != nil {
		return err
	}
	if _, err := postgres.CheckServerSettings(ctx, pool); err != nil {
		return err
	}
	if targetDir != "" {
		if err := checkDiskSpace(ctx, pool, targetDir); err != nil {
			return err
		}
	}

	conn, err := replconn.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	rep := progress.New(cfg.Progress, "base backup", 0, os.Stderr)
	defer rep.Done()

	engine := basebackup.NewEngine(basebackup.WrapConn(conn))
	res, err := engine.Run(basebackup.Options{
		Label:     cfg.Label,
		Progress:  cfg.Progress,
		Mode:      mode,
		TargetDir: targetDir,
		Stdout:    stdout,
		GzipLevel: cfg.Compress,
		OnBytes:   rep.Add,
	})
	if err != nil {
		return err
	}

	slog.Info("base backup finished", "tablespaces", res.TablespaceCount, "bytes", postgres.PrettyBytes(res.TotalBytes))
	return nil
}

// checkDiskSpace estimates the backup's size from pg_database_size and
// checks it against free space on the main target directory and on every
// tablespace's own location, since a tablespace can land on a different
// filesystem than the main data directory. The estimate is a conservative
// upper bound: it does not know how the total splits across tablespaces,
// so every candidate filesystem is checked against the whole estimate.
func checkDiskSpace(ctx context.Context, pool *pgxpool.Pool, targetDir string) error {
	size, err := postgres.EstimateClusterSize(ctx, pool)
	if err != nil {
		return err
	}
	need := map[string]uint64{nearestExistingDir(targetDir): uint64(size)}
	tablespaces, err := postgres.ListTablespaces(ctx, pool)
	if err != nil {
		return err
	}
	for _, ts := range tablespaces {
		if ts.Location != "" {
			need[nearestExistingDir(ts.Location)] = uint64(size)
		}
	}
	return disk.EnsureSpace(need)
}

// nearestExistingDir walks up from dir until it finds a directory that
// already exists, for statfs-based checks run before the target directory
// itself has been created.
func nearestExistingDir(dir string) string {
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
