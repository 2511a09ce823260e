// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fonoteka/fonoteka/internal/api"
	"github.com/fonoteka/fonoteka/internal/buildinfo"
	"github.com/fonoteka/fonoteka/internal/config"
	"github.com/fonoteka/fonoteka/internal/database"
	"github.com/fonoteka/fonoteka/internal/models"
	"github.com/fonoteka/fonoteka/internal/qbittorrent"
	"github.com/fonoteka/fonoteka/internal/reporting"
	"github.com/fonoteka/fonoteka/internal/services/access"
	"github.com/fonoteka/fonoteka/internal/services/handoff"
	"github.com/fonoteka/fonoteka/internal/tracker"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "fonoteka",
		Short: "Resilient audiobook tracker client",
		Long: `fonoteka - a resilient client for audiobook torrent trackers with
session persistence, mirror failover and an offline result cache.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunLoginCommand())
	rootCmd.AddCommand(RunSearchCommand())
	rootCmd.AddCommand(RunGrabCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/fonoteka/ or %APPDATA%\\fonoteka\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for database and other files (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath, pprofFlag)
		app.runServer()
	}

	return command
}

func RunVersionCommand() *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of fonoteka",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildinfo.String())
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/fonoteka/config.toml
- Windows: %APPDATA%\fonoteka\config.toml

You can specify either a directory path or a direct file path:
- Directory: fonoteka generate-config --config-dir /path/to/config/
- File: fonoteka generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				defaultDir := config.GetDefaultConfigDir()
				configPath = filepath.Join(defaultDir, "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func readPassword(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(password), nil
	} else {
		fmt.Fprint(os.Stderr, prompt)
		var password string
		if _, err := fmt.Scanln(&password); err != nil {
			return "", fmt.Errorf("failed to read password from stdin: %w", err)
		}
		return password, nil
	}
}

func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// promptChallenge asks the operator to resolve a tracker challenge: the
// captcha code for a captcha, or a browser cookie string for an automated
// access check.
func promptChallenge(_ context.Context, challenge tracker.Challenge) (string, error) {
	switch challenge.Kind {
	case tracker.ChallengeCaptcha:
		fmt.Fprintf(os.Stderr, "Captcha required. Open the image and enter the code:\n  %s\n", challenge.ImageURL)
		return readLine("Captcha code: ")
	case tracker.ChallengeAutomated:
		fmt.Fprintln(os.Stderr, "Automated access check detected. Pass it in a regular browser,")
		fmt.Fprintln(os.Stderr, "then paste the resulting Cookie header value here.")
		return readLine("Cookie string: ")
	default:
		return "", fmt.Errorf("cannot resolve challenge %s interactively", challenge.Kind)
	}
}

func RunLoginCommand() *cobra.Command {
	var configDir, dataDir, username, password, cookies string

	command := &cobra.Command{
		Use:   "login",
		Short: "Log in to the tracker and persist the session",
		Long: `Log in to the tracker and persist the session cookies.

Credentials are stored encrypted so the server can re-login automatically
when the tracker expires the session.

When the tracker blocks automated logins entirely, pass --cookies with a
raw Cookie header copied from a logged-in browser instead of credentials.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := buildStack(cmd.Context(), configDir, dataDir, promptChallenge)
			if err != nil {
				return err
			}
			defer stack.Close()

			if cookies != "" {
				if err := stack.Client.ImportCookieString(cmd.Context(), cookies); err != nil {
					return fmt.Errorf("import cookies: %w", err)
				}
				if !stack.Access.IsAuthenticated(cmd.Context()) {
					return fmt.Errorf("imported cookies did not produce an authenticated session")
				}
				cmd.Println("Session imported from browser cookies and persisted")
				return nil
			}

			if username == "" {
				if username, err = readLine("Enter username: "); err != nil {
					return err
				}
			}
			if strings.TrimSpace(username) == "" {
				return fmt.Errorf("username cannot be empty")
			}
			username = strings.TrimSpace(username)

			if password == "" {
				if password, err = readPassword("Enter password: "); err != nil {
					return err
				}
			}

			if err := stack.Access.Login(cmd.Context(), username, password); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			cmd.Printf("Logged in as '%s', session persisted\n", username)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&username, "username", "",
		"tracker username")
	command.Flags().StringVar(&password, "password", "",
		"tracker password (will prompt if not provided)")
	command.Flags().StringVar(&cookies, "cookies", "",
		"raw Cookie header from a logged-in browser session")

	return command
}

func RunSearchCommand() *cobra.Command {
	var configDir, dataDir string

	command := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the tracker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := buildStack(cmd.Context(), configDir, dataDir, promptChallenge)
			if err != nil {
				return err
			}
			defer stack.Close()

			query := strings.Join(args, " ")
			outcome, err := stack.Access.Search(cmd.Context(), query)
			if err != nil {
				return err
			}

			if outcome.ServedFromCache {
				cmd.Printf("(served from offline cache, stored %s)\n", outcome.StoredAt.Format(time.RFC3339))
			}

			for _, result := range outcome.Results {
				cmd.Printf("%8d  %5d/%-4d  %8s  %s\n",
					result.TopicID, result.Seeders, result.Leechers,
					formatSize(result.SizeBytes), result.Title)
			}
			cmd.Printf("%d results\n", len(outcome.Results))
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")

	return command
}

func RunGrabCommand() *cobra.Command {
	var configDir, dataDir, outputDir string

	command := &cobra.Command{
		Use:   "grab <topic-id>",
		Short: "Download a torrent and hand it to qBittorrent",
		Long: `Download the .torrent file for a topic.

When a qBittorrent instance is configured, the torrent is added there.
Otherwise it is written to the output directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topicID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid topic id %q", args[0])
			}

			stack, err := buildStack(cmd.Context(), configDir, dataDir, promptChallenge)
			if err != nil {
				return err
			}
			defer stack.Close()

			if stack.Handoff != nil {
				torrent, err := stack.Handoff.Grab(cmd.Context(), topicID)
				if err != nil {
					return err
				}
				cmd.Printf("Added '%s' (%s) to qBittorrent\n", torrent.Name, torrent.InfoHash)
				return nil
			}

			downloader := handoff.New(stack.Client, nil, "")
			torrent, err := downloader.Download(cmd.Context(), topicID)
			if err != nil {
				return err
			}

			name := fmt.Sprintf("%d.torrent", topicID)
			path := filepath.Join(outputDir, name)
			if err := os.WriteFile(path, torrent.Data, 0o644); err != nil {
				return fmt.Errorf("write torrent file: %w", err)
			}

			cmd.Printf("Saved '%s' (%s) to %s\n", torrent.Name, torrent.InfoHash, path)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&outputDir, "output-dir", ".",
		"directory for the .torrent file when no qBittorrent instance is configured")

	return command
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGT"[exp])
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

// stack bundles the wired components shared between serve and the
// one-shot CLI commands.
type stack struct {
	Config  *config.AppConfig
	DB      *database.DB
	Client  *tracker.Client
	Access  *access.Service
	Handoff *handoff.Service
	Reports *reporting.Classifier
}

func (s *stack) Close() {
	if s.DB != nil {
		s.DB.Close()
	}
}

func buildStack(ctx context.Context, configDir, dataDir string, onChallenge access.ChallengeFunc) (*stack, error) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}
	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}

	db, err := database.Open(cfg.GetDatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	st, err := buildStackWithDB(ctx, cfg, db, onChallenge)
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

func buildStackWithDB(ctx context.Context, cfg *config.AppConfig, db *database.DB, onChallenge access.ChallengeFunc) (*stack, error) {
	conf := cfg.Config

	sessionStore := models.NewSessionStore(db)
	cacheStore := models.NewOfflineCacheStore(db)
	credentialStore, err := models.NewCredentialStore(db, models.DeriveEncryptionKey(conf.SessionSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential store: %w", err)
	}

	markers := tracker.DefaultMarkers()
	if conf.MarkerFile != "" {
		markers, err = tracker.LoadMarkers(conf.MarkerFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load marker file: %w", err)
		}
	}

	client, err := tracker.NewClient(ctx, tracker.Config{
		PrimaryHost: conf.TrackerHost,
		MirrorHosts: conf.TrackerMirrors,
		UserAgent:   conf.UserAgent,
		Timeout:     time.Duration(conf.RequestTimeout) * time.Second,
	}, sessionStore)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracker client: %w", err)
	}

	loginProtocol := tracker.NewLoginProtocol(client, markers)
	reports := reporting.NewClassifier()

	accessService := access.New(access.Config{
		RetryAttempts: uint(conf.RetryAttempts),
		RetryDelay:    time.Duration(conf.RetryDelayMs) * time.Millisecond,
	}, access.Deps{
		Client:      client,
		Auth:        loginProtocol,
		Challenges:  tracker.NewChallengeClassifier(markers),
		Reports:     reports,
		Cache:       cacheStore,
		Credentials: credentialStore,
		OnChallenge: onChallenge,
	})

	if conf.OfflineMode {
		accessService.SetOfflineMode(true)
	}

	var handoffService *handoff.Service
	if conf.QbitHost != "" {
		qbtClient, err := qbittorrent.NewClient(ctx, qbittorrent.Config{
			Host:     conf.QbitHost,
			Username: conf.QbitUsername,
			Password: conf.QbitPassword,
		})
		if err != nil {
			log.Warn().Err(err).Str("host", conf.QbitHost).Msg("qBittorrent unavailable, torrent handoff disabled")
		} else {
			handoffService = handoff.New(client, qbtClient, conf.QbitCategory)
		}
	}

	return &stack{
		Config:  cfg,
		DB:      db,
		Client:  client,
		Access:  accessService,
		Handoff: handoffService,
		Reports: reports,
	}, nil
}

func (app *Application) runServer() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("FONOTEKA__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("FONOTEKA__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting fonoteka")

	db, err := database.Open(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// The server has no terminal to prompt on, so challenges surface to
	// API clients instead of an interactive handler.
	st, err := buildStackWithDB(context.Background(), cfg, db, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire services")
	}

	// Restore the session in the background, a cold tracker must not
	// block startup.
	go func() {
		probeCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if st.Access.IsAuthenticated(probeCtx) {
			log.Info().Msg("Tracker session restored from previous run")
		} else {
			log.Info().Msg("No valid tracker session, login required")
		}
	}()

	httpServer := api.NewServer(&api.Dependencies{
		Config:         cfg,
		Version:        buildinfo.Version,
		AccessService:  st.Access,
		HandoffService: st.Handoff,
		Reports:        st.Reports,
		DB:             db,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	if app.pprofFlag {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			log.Info().Msg("Access profiling at: http://localhost:6060/debug/pprof/")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")

		os.Exit(1)
	}

	os.Exit(0)
}
