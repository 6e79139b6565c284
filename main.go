package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/veymar/trackgate/cache"
	"github.com/veymar/trackgate/config"
	"github.com/veymar/trackgate/constant"
	"github.com/veymar/trackgate/library"
	"github.com/veymar/trackgate/log"
	"github.com/veymar/trackgate/meta"
	"github.com/veymar/trackgate/orchestrator"
	"github.com/veymar/trackgate/provider"
	"github.com/veymar/trackgate/provider/deezer"
	"github.com/veymar/trackgate/provider/qobuz"
	"github.com/veymar/trackgate/provider/tidal"
	"github.com/veymar/trackgate/ratelimit"
)

func main() {
	logger := log.NewDefault()

	//nolint:exhaustruct
	app := &cli.Command{
		Name:    "trackgate",
		Version: constant.Version,
		Metadata: map[string]any{
			"compiled_at": constant.CompileTime,
		},
		Suggest:                    true,
		Usage:                      "Music backend acquisition engine",
		EnableShellCompletion:      true,
		ShellCompletionCommandName: "shell-completion",
		AllowExtFlags:              false,
		Flags: []cli.Flag{
			//nolint:exhaustruct
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Config file path",
				Required: false,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "fetch",
				Usage: "Download commands",
				Commands: []*cli.Command{
					//nolint:exhaustruct
					{
						Name:      "track",
						Usage:     "Download a single track",
						ArgsUsage: "<provider> <track-id>",
						Action:    fetchTrack,
					},
					{
						Name:      "album",
						Usage:     "Download a whole album",
						ArgsUsage: "<provider> <album-id>",
						Action:    fetchAlbum,
					},
				},
			},
			{
				Name:   "login",
				Usage:  "Store backend credentials",
				Action: login,
			},
			{
				Name:   "validate",
				Usage:  "Check backend credentials and reachability",
				Action: validate,
			},
			{
				Name:      "resolve",
				Usage:     "Show track metadata and local library state without downloading",
				ArgsUsage: "<provider> <track-id>",
				Action:    resolve,
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); nil != err {
		if errors.Is(err, context.Canceled) {
			logger.Trace().Msg("Application was canceled")
			os.Exit(1)
		}

		var exitCode exitCodeError
		if errors.As(err, &exitCode) {
			os.Exit(int(exitCode))
		}

		logger.Error().Err(err).Msg("Application exited with error")
		os.Exit(10)
	}
}

type exitCodeError int

func (e exitCodeError) Error() string {
	return "error with exit code: " + strconv.Itoa(int(e))
}

func loadConfig(cmd *cli.Command) (*config.Config, zerolog.Logger, error) {
	logger := log.NewDefault()

	if err := godotenv.Load(); nil != err {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, logger, fmt.Errorf("load .env file: %v", err)
		}
		logger.Info().Msg(".env file was not found")
	} else {
		logger.Debug().Msg(".env file was loaded")
	}

	conf, err := config.Load(cmd.String("config"))
	if nil != err {
		return nil, logger, fmt.Errorf("load config: %v", err)
	}

	logger = log.FromConfig(conf.Log)

	logger.Debug().Dict("config", conf.ToDict()).Msg("Config loaded")

	if conf.Providers.Deezer.ARL == "" {
		creds, err := library.CredsFile(conf.Storage.CredsFile).Read()
		if nil != err {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, logger, fmt.Errorf("read creds file: %v", err)
			}
		} else {
			conf.Providers.Deezer.ARL = creds.DeezerARL
			conf.Providers.Deezer.ARLSecondary = creds.DeezerARLSecondary
			logger.Debug().Msg("Deezer credentials loaded from creds file")
		}
	}

	return conf, logger, nil
}

type engine struct {
	registry *provider.Registry
	meta     *provider.MetaService
	store    *library.BoltStore
	orch     *orchestrator.Orchestrator
}

func (e *engine) close(logger zerolog.Logger) {
	if err := e.store.Close(); nil != err {
		logger.Error().Err(err).Msg("Failed to close state store")
	}
}

func buildEngine(conf *config.Config, logger zerolog.Logger) (*engine, error) {
	dz, err := deezer.NewClient(conf.Providers.Deezer, conf.Download.Timeouts, conf.Download.PreferredQuality)
	if nil != err {
		return nil, fmt.Errorf("create deezer client: %v", err)
	}
	qb := qobuz.NewClient(conf.Providers.Qobuz, conf.Download.Timeouts, conf.Download.PreferredQuality)
	td := tidal.NewClient(conf.Providers.Tidal, conf.Download.Timeouts, conf.Download.PreferredQuality)

	registry := provider.NewRegistry(dz, qb, td)
	metaSvc := provider.NewMetaService(registry)

	store, err := library.NewBoltStore(conf.Storage.StateFile)
	if nil != err {
		return nil, fmt.Errorf("open state store: %v", err)
	}

	root := conf.Storage.MusicDir
	if conf.Storage.Mode == config.StorageModeCache {
		root = conf.Storage.CacheDir
	}

	orch := orchestrator.New(logger, conf.Storage, conf.Download, orchestrator.Deps{
		Registry: registry,
		Meta:     metaSvc,
		Store:    store,
		Rescan:   nil,
		Resolver: library.NewResolver(root),
		Cache:    cache.New(),
		HTTP:     &http.Client{Timeout: time.Duration(conf.Download.Timeouts.DownloadCover) * time.Second}, //nolint:exhaustruct
		Playlist: nil,
	})

	return &engine{registry: registry, meta: metaSvc, store: store, orch: orch}, nil
}

func trackArgs(cmd *cli.Command) (providerName, id string, err error) {
	if cmd.Args().Len() != 2 {
		return "", "", errors.New("expected exactly two arguments: <provider> <id>")
	}

	return cmd.Args().Get(0), cmd.Args().Get(1), nil
}

func fetchTrack(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conf, logger, err := loadConfig(cmd)
	if nil != err {
		return err
	}

	providerName, trackID, err := trackArgs(cmd)
	if nil != err {
		return err
	}

	eng, err := buildEngine(conf, logger)
	if nil != err {
		return err
	}
	defer eng.close(logger)

	path, err := eng.orch.Acquire(ctx, providerName, trackID)
	if nil != err {
		return fmt.Errorf("acquire track: %w", err)
	}

	ref := meta.TrackRef{Provider: providerName, ID: trackID}
	renderSummary([]summaryRow{summarize(eng.orch, ref, path)})

	return nil
}

func fetchAlbum(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conf, logger, err := loadConfig(cmd)
	if nil != err {
		return err
	}

	providerName, albumID, err := trackArgs(cmd)
	if nil != err {
		return err
	}

	eng, err := buildEngine(conf, logger)
	if nil != err {
		return err
	}
	defer eng.close(logger)

	album, err := eng.meta.GetAlbum(ctx, logger, providerName, albumID)
	if nil != err {
		return fmt.Errorf("resolve album: %w", err)
	}
	logger.Info().Dict("album", album.ToDict()).Msg("Album resolved")

	rows := make([]summaryRow, 0, len(album.Tracks))
	var failures int
	for i, track := range album.Tracks {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ratelimit.SiblingPauseMS()):
			}
		}

		ref := meta.TrackRef{Provider: providerName, ID: track.ID}
		path, err := eng.orch.Acquire(ctx, providerName, track.ID)
		if nil != err {
			failures++
			logger.Error().Err(err).Dict("track", ref.ToDict()).Msg("Track download failed")
			rows = append(rows, summaryRow{
				Provider: providerName,
				ID:       track.ID,
				Status:   "failed",
				Detail:   err.Error(),
			})

			continue
		}

		rows = append(rows, summarize(eng.orch, ref, path))
	}

	renderSummary(rows)

	if failures > 0 {
		logger.Error().Int("failures", failures).Msg("Album download finished with failures")

		return exitCodeError(4)
	}

	return nil
}

type summaryRow struct {
	Provider string
	ID       string
	Status   string
	Quality  string
	Detail   string
}

func summarize(orch *orchestrator.Orchestrator, ref meta.TrackRef, path string) summaryRow {
	row := summaryRow{ //nolint:exhaustruct
		Provider: ref.Provider,
		ID:       ref.ID,
		Status:   "ok",
		Detail:   path,
	}

	if rec := orch.GetStatus(ref.Key()); nil != rec && nil != rec.Quality {
		row.Quality = *rec.Quality
	}

	return row
}

func renderSummary(rows []summaryRow) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Provider", "ID", "Status", "Quality", "Path / Error"})
	for _, row := range rows {
		t.AppendRow(table.Row{row.Provider, row.ID, row.Status, row.Quality, row.Detail})
	}
	t.Render()
}

func login(ctx context.Context, cmd *cli.Command) error {
	_, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conf, logger, err := loadConfig(cmd)
	if nil != err {
		return err
	}

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		logger.Error().Msg("No TTY detected. Please run the container with `--tty` or set `tty: true` in Docker Compose.")

		return exitCodeError(1)
	}

	var answers struct {
		ARL          string
		ARLSecondary string
	}
	questions := []*survey.Question{
		{
			Name:     "arl",
			Prompt:   &survey.Password{Message: "Deezer ARL:"}, //nolint:exhaustruct
			Validate: survey.Required,
		},
		{
			Name:   "arlsecondary",
			Prompt: &survey.Password{Message: "Secondary Deezer ARL (optional):"}, //nolint:exhaustruct
		},
	}
	if err := survey.Ask(questions, &answers); nil != err {
		return fmt.Errorf("prompt for credentials: %v", err)
	}

	credsFile := library.CredsFile(conf.Storage.CredsFile)
	if err := credsFile.Write(library.CredsFileContent{
		DeezerARL:          answers.ARL,
		DeezerARLSecondary: answers.ARLSecondary,
	}); nil != err {
		return fmt.Errorf("write creds file: %v", err)
	}

	logger.Info().Msg("Credentials stored")

	return nil
}

func validate(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conf, logger, err := loadConfig(cmd)
	if nil != err {
		return err
	}

	eng, err := buildEngine(conf, logger)
	if nil != err {
		return err
	}
	defer eng.close(logger)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Provider", "Status", "Detail"})

	var failures int
	for _, name := range eng.registry.Names() {
		client, err := eng.registry.Get(name)
		if nil != err {
			return err
		}

		if err := client.Validate(ctx, logger); nil != err {
			failures++
			t.AppendRow(table.Row{name, "FAIL", err.Error()})

			continue
		}

		t.AppendRow(table.Row{name, "OK", ""})
	}
	t.Render()

	if failures > 0 {
		return exitCodeError(2)
	}

	return nil
}

func resolve(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conf, logger, err := loadConfig(cmd)
	if nil != err {
		return err
	}

	providerName, trackID, err := trackArgs(cmd)
	if nil != err {
		return err
	}

	eng, err := buildEngine(conf, logger)
	if nil != err {
		return err
	}
	defer eng.close(logger)

	ref := meta.TrackRef{Provider: providerName, ID: trackID}
	song, err := eng.meta.GetSong(ctx, logger, ref)
	if nil != err {
		return fmt.Errorf("resolve track: %w", err)
	}

	localPath, onDisk := eng.orch.LookupExistingPath(providerName, trackID)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendRows([]table.Row{
		{"Provider", ref.Provider},
		{"ID", ref.ID},
		{"Title", song.Title},
		{"Artist", song.Artist()},
		{"Album", song.Album},
		{"Track #", song.TrackNumber},
		{"ISRC", song.ISRC},
		{"Duration", (time.Duration(song.DurationSec) * time.Second).String()},
		{"On disk", onDisk},
		{"Local path", localPath},
	})
	t.Render()

	return nil
}
