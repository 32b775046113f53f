// Command parley holds a spoken conversation with a remote voice agent,
// records it and hands the transcript to the session backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/recording"
	"github.com/MrWong99/parley/pkg/archive/postgres"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/media"
	"github.com/MrWong99/parley/pkg/media/local"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	return 0
}

// rootFlags are shared by every sub-command.
type rootFlags struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "parley",
		Short:         "Voice conversations with a remote agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadEnv(f.envFiles)
		},
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "parley.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringSliceVar(&f.envFiles, "env-file", nil, "additional .env files to load (default: .env if present)")

	root.AddCommand(newRunCmd(f))
	root.AddCommand(newDevicesCmd())
	root.AddCommand(newCodecsCmd(f))
	root.AddCommand(newMigrateCmd(f))
	return root
}

// loadEnv loads .env files into the process environment. A missing default
// .env is not an error; an explicitly named one is.
func loadEnv(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; pass --config", path)
		}
		return nil, err
	}
	slog.SetDefault(newLogger(cfg.LogLevel))
	return cfg, nil
}

// ── run ────────────────────────────────────────────────────────────────────────

func newRunCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Hold one conversation",
		Long: "Connects to the voice agent and holds a conversation until 'q' is\n" +
			"entered or the process is interrupted. Enter 'm' to toggle mute.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f.configPath)
			if err != nil {
				return err
			}
			return runSession(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runSession(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		Attributes: []attribute.KeyValue{
			attribute.Bool("parley.direct", cfg.DirectMode()),
			attribute.String("parley.persona", cfg.Session.Persona.Name),
		},
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	slog.Info("parley starting",
		"version", version,
		"direct", cfg.DirectMode(),
		"persona", cfg.Session.Persona.Name,
		"telemetry", cfg.Telemetry.ListenAddr,
	)

	application, err := app.New(ctx, cfg, app.WithIO(in, out))
	if err != nil {
		return err
	}
	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return runErr
}

// ── devices ────────────────────────────────────────────────────────────────────

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio capture and playback devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dc, err := device.NewContext()
			if err != nil {
				return err
			}
			defer dc.Close()

			w := cmd.OutOrStdout()
			for _, kind := range []struct {
				title string
				list  func() ([]device.Info, error)
			}{
				{"Capture", dc.Captures},
				{"Playback", dc.Playbacks},
			} {
				infos, err := kind.list()
				if err != nil {
					return fmt.Errorf("list %s devices: %w", kind.title, err)
				}
				_, _ = fmt.Fprintf(w, "%s:\n", kind.title)
				for _, d := range infos {
					mark := " "
					if d.IsDefault {
						mark = "*"
					}
					_, _ = fmt.Fprintf(w, " %s %s\n", mark, d.Name)
				}
			}
			return nil
		},
	}
}

// ── codecs ─────────────────────────────────────────────────────────────────────

func newCodecsCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "codecs",
		Short: "Check which recording formats work on this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f.configPath)
			if err != nil {
				return err
			}
			codecs, err := recording.Lookup(cfg.Recording.Codecs)
			if err != nil {
				return err
			}
			dc, err := device.NewContext()
			if err != nil {
				return err
			}
			defer dc.Close()

			devs := local.New(dc, local.Config{
				Microphone:  cfg.Audio.InputDevice,
				SampleRate:  cfg.Audio.SampleRate,
				BlockSize:   cfg.Audio.BlockSize,
				FFmpegPath:  cfg.Devices.FFmpegPath,
				CameraInput: cfg.Devices.CameraArgs(),
			})
			ctx := cmd.Context()
			stream, err := devs.GetUserMedia(ctx, media.Constraints{Audio: true, Video: true})
			if err != nil {
				slog.Info("camera unavailable, probing audio only", "err", err)
				stream, err = devs.GetUserMedia(ctx, media.Constraints{Audio: true})
				if err != nil {
					return err
				}
			}
			defer stream.Stop()

			w := cmd.OutOrStdout()
			chosen := false
			for _, r := range recording.Probe(ctx, stream, codecs, recording.Options{FFmpegPath: cfg.Devices.FFmpegPath}) {
				switch {
				case r.Err != nil:
					_, _ = fmt.Fprintf(w, "  %-30s unavailable: %v\n", r.MimeType, r.Err)
				case !chosen:
					chosen = true
					_, _ = fmt.Fprintf(w, "* %-30s selected\n", r.MimeType)
				default:
					_, _ = fmt.Fprintf(w, "  %-30s available\n", r.MimeType)
				}
			}
			if !chosen {
				return recording.ErrRecordingUnavailable
			}
			return nil
		},
	}
}

// ── migrate ────────────────────────────────────────────────────────────────────

func newMigrateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the transcript archive schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f.configPath)
			if err != nil {
				return err
			}
			if cfg.Archive.PostgresDSN == "" {
				return errors.New("archive.postgres_dsn is not set")
			}
			store, err := postgres.NewStore(cmd.Context(), cfg.Archive.PostgresDSN)
			if err != nil {
				return err
			}
			store.Close()
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "archive schema is up to date")
			return nil
		},
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level.Level()}))
}
