package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/absfs/arenafs"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

type config struct {
	Size       int64  `yaml:"size" env:"ARENAFS_SIZE" env-default:"67108864"`
	MaxInodes  uint64 `yaml:"max_inodes" env:"ARENAFS_MAX_INODES" env-default:"0"`
	Backing    string `yaml:"backing" env:"ARENAFS_BACKING"`
	AllowOther bool   `yaml:"allow_other" env:"ARENAFS_ALLOW_OTHER" env-default:"false"`
	LogLevel   string `yaml:"log_level" env:"ARENAFS_LOG_LEVEL" env-default:"info"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "arenafs:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("arenafs", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: arenafs [flags] <mountpoint>")
		flags.PrintDefaults()
	}
	configPath := flags.String("config", "", "path to a YAML config file")
	size := flags.Int64("size", 0, "region size in bytes for a new volume")
	maxInodes := flags.Uint64("max-inodes", 0, "cap on inode slots for a new volume")
	backing := flags.String("backing", "", "backing file; empty means an anonymous in-memory volume")
	allowOther := flags.Bool("allow-other", false, "allow access by other users")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return errors.New("exactly one mountpoint argument is required")
	}
	mountpoint := flags.Arg(0)

	var cfg config
	var err error
	if *configPath != "" {
		err = cleanenv.ReadConfig(*configPath, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.Changed("size") {
		cfg.Size = *size
	}
	if flags.Changed("max-inodes") {
		cfg.MaxInodes = *maxInodes
	}
	if flags.Changed("backing") {
		cfg.Backing = *backing
	}
	if flags.Changed("allow-other") {
		cfg.AllowOther = *allowOther
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	region, cleanup, err := mapRegion(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	vol, err := arenafs.Attach(region, &arenafs.Options{MaxInodes: cfg.MaxInodes})
	if err != nil {
		return fmt.Errorf("attach volume: %w", err)
	}

	server, err := arenafs.Mount(arenafs.MountOptions{
		Mountpoint: mountpoint,
		Volume:     vol,
		AllowOther: cfg.AllowOther,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Info("unmounting", "signal", sig.String())
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()

	server.Wait()
	logger.Info("unmounted", "mountpoint", mountpoint)
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// mapRegion maps the volume's byte region, either over a backing file
// or as anonymous memory. The returned cleanup syncs and unmaps.
func mapRegion(cfg config, logger *slog.Logger) ([]byte, func(), error) {
	if cfg.Backing == "" {
		if cfg.Size <= 0 {
			return nil, nil, errors.New("size must be positive for an anonymous volume")
		}
		region, err := unix.Mmap(-1, 0, int(cfg.Size),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, nil, fmt.Errorf("map anonymous region: %w", err)
		}
		logger.Warn("anonymous volume, contents are lost on exit")
		return region, func() { unix.Munmap(region) }, nil
	}

	fd, err := unix.Open(cfg.Backing, unix.O_RDWR|unix.O_CREAT, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cfg.Backing, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("stat %s: %w", cfg.Backing, err)
	}
	size := st.Size
	if size == 0 {
		size = cfg.Size
		if size <= 0 {
			unix.Close(fd)
			return nil, nil, errors.New("size must be positive for a new backing file")
		}
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, nil, fmt.Errorf("grow %s: %w", cfg.Backing, err)
		}
	} else if cfg.Size != 0 && cfg.Size != size {
		// An existing volume keeps its geometry.
		logger.Warn("ignoring configured size, backing file already sized",
			"configured", cfg.Size, "actual", size)
	}

	region, err := unix.Mmap(fd, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("map %s: %w", cfg.Backing, err)
	}
	cleanup := func() {
		if err := unix.Msync(region, unix.MS_SYNC); err != nil {
			logger.Error("sync region", "error", err)
		}
		unix.Munmap(region)
		unix.Close(fd)
	}
	return region, cleanup, nil
}
