package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/cuducos/idm"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	failureStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

var rootCmd = &cobra.Command{
	Use:           "idm URL [MAX-CONCURRENT-CONNECTIONS] [MAX-DOWNLOAD-LIMIT]",
	Short:         "Resumable, parallel and rate limited HTTP downloader",
	Long:          "Download a file using concurrent HTTP range requests, capping the aggregate download rate (in bytes per second) and persisting the progress so an interrupted download resumes without downloading the same bytes again.",
	Args:          cobra.RangeArgs(1, 3),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		setupLogger()
		d, err := newDownloader(cmd, args)
		if err != nil {
			return err
		}
		msg := "Downloading"
		if d.ConcurrencyPerServer > 1 {
			msg += fmt.Sprintf(" using %d connections", d.ConcurrencyPerServer)
		}
		if d.MaxBytesPerSecond > 0 {
			msg += fmt.Sprintf(" limited to %s/s", humanSize(float64(d.MaxBytesPerSecond)))
		}
		fmt.Fprintln(os.Stderr, msg+"...")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		prog := newProgress()
		for status := range d.DownloadWithContext(ctx, args[0]) {
			if status.Error != nil {
				prog.finish()
				fmt.Fprintln(os.Stderr, failureStyle.Render("Download failed"))
				return status.Error
			}
			prog.update(status)
		}
		prog.finish()
		fmt.Printf("%s\n%s\nDownloaded to: %s\n", successStyle.Render("Download succeeded"), prog.String(), prog.status.DownloadedFilePath)
		return nil
	},
}

// Flags
var (
	configPath       string
	outputDir        string
	timeout          time.Duration
	maxRetries       uint
	waitRetry        time.Duration
	chunkSize        string
	partitionSize    uint64
	roundTimeout     time.Duration
	maxStalledRounds int
	restart          bool
	verbose          bool
)

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file (defaults to config.yaml in the user config directory, if it exists).")
	rootCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "directory where the file is saved (defaults to the current directory).")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", idm.DefaultTimeout, "timeout for each HTTP request.")
	rootCmd.Flags().UintVarP(&maxRetries, "max-retries", "r", idm.DefaultMaxRetries, "maximum number of attempts to get the file size.")
	rootCmd.Flags().DurationVarP(&waitRetry, "wait-retry", "w", idm.DefaultWaitRetry, "pause before retrying after a failure.")
	rootCmd.Flags().StringVarP(&chunkSize, "chunk-size", "s", strconv.Itoa(idm.DefaultChunkSize), "size of each chunk, the unit of the progress file.")
	rootCmd.Flags().Uint64VarP(&partitionSize, "partition-size", "p", idm.DefaultPartitionSize, "maximum number of chunks per HTTP range request.")
	rootCmd.Flags().DurationVar(&roundTimeout, "round-timeout", idm.DefaultRoundTimeout, "ceiling for each round of range requests.")
	rootCmd.Flags().IntVar(&maxStalledRounds, "max-stalled-rounds", idm.DefaultMaxStalledRounds, "give up after this many consecutive rounds without progress (0 means never).")
	rootCmd.Flags().BoolVar(&restart, "restart", idm.DefaultRestart, "ignore the progress of previous attempts.")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log debug information.")
}

func setupLogger() {
	lvl := zerolog.InfoLevel
	if verbose {
		lvl = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// parseArgs reads the optional positional arguments: the number of concurrent
// connections and the download limit in bytes per second.
func parseArgs(args []string) (int, int64, error) {
	var (
		conns int
		limit int64
	)
	if len(args) >= 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid number of concurrent connections: %q", args[1])
		}
		conns = n
	}
	if len(args) == 3 {
		n, err := idm.ParseRate(args[2])
		if err != nil || n == 0 {
			return 0, 0, fmt.Errorf("invalid download limit: %q", args[2])
		}
		limit = n
	}
	return conns, limit, nil
}

// configFile is the --config flag or, if not set, the config.yaml in the user
// config directory (e.g. ~/.config/idm/config.yaml) when it exists.
func configFile() (string, error) {
	if configPath != "" {
		return homedir.Expand(configPath)
	}
	pth, err := gap.NewScope(gap.User, "idm").ConfigPath("config.yaml")
	if err != nil {
		return "", nil
	}
	if _, err := os.Stat(pth); err != nil {
		return "", nil
	}
	return pth, nil
}

// newDownloader merges, in order, the defaults, the config file, the IDM_*
// environment variables, the flags set by the user and the positional
// arguments.
func newDownloader(cmd *cobra.Command, args []string) (*idm.Downloader, error) {
	d := idm.DefaultDownloader()
	var cfg idm.Config
	pth, err := configFile()
	if err != nil {
		return nil, err
	}
	if pth != "" {
		log.Debug().Str("config", pth).Msg("loading configuration file")
		if cfg, err = idm.LoadConfigFile(pth); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Apply(d)
	f := cmd.Flags()
	if f.Changed("output-dir") {
		d.OutputDir = outputDir
	}
	if d.OutputDir, err = homedir.Expand(d.OutputDir); err != nil {
		return nil, err
	}
	if f.Changed("timeout") {
		d.Timeout = timeout
	}
	if f.Changed("max-retries") {
		d.MaxRetries = maxRetries
	}
	if f.Changed("wait-retry") {
		d.WaitRetry = waitRetry
	}
	if f.Changed("chunk-size") {
		n, err := idm.ParseBytes(chunkSize)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, errors.New("chunk size must be positive")
		}
		d.ChunkSize = n
	}
	if f.Changed("partition-size") {
		d.PartitionSize = partitionSize
	}
	if f.Changed("round-timeout") {
		d.RoundTimeout = roundTimeout
	}
	if f.Changed("max-stalled-rounds") {
		d.MaxStalledRounds = maxStalledRounds
	}
	if f.Changed("restart") {
		d.Restart = restart
	}
	conns, limit, err := parseArgs(args)
	if err != nil {
		return nil, err
	}
	if conns > 0 {
		d.ConcurrencyPerServer = conns
	}
	if limit > 0 {
		d.MaxBytesPerSecond = limit
	}
	d.Logger = log.Logger
	return d, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
