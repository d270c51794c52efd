package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"gitlab.com/tozd/go/errors"

	"github.com/radiosilence/nano-httpd/internal/config"
)

type ServeConfig struct {
	ConfigFile  string
	PublicDir   string
	Port        int
	Workers     int
	MaxPostSize int64
	LogLevel    string
	LogFormat   string
	LogRequests bool
}

var rootCmd = &cobra.Command{
	Use:   "nano-httpd",
	Short: "Virtual-hosting HTTP server with FastCGI and reverse proxy support",
	Long: `nano-httpd serves static sites, FastCGI applications and reverse-proxied
upstreams from a single listener, routed by virtual host.

Run "nano-httpd serve [dir]" to serve one directory, or pass --config to load
a JSON site file describing several virtual hosts.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve [dir]",
	Short: "Start the web server",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServe,
}

var healthCheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Query a running server's health endpoint and exit",
	RunE:  runHealthCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(FullVersion())
		fmt.Println("Virtual-hosting HTTP server built on fasthttp")
		fmt.Println("Repository: https://github.com/radiosilence/nano-httpd")
	},
}

var serveConfig ServeConfig

func init() {
	flags := serveCmd.Flags()
	flags.StringVarP(&serveConfig.ConfigFile, "config", "c", getEnv("CONFIG", ""), "JSON site configuration file (env: CONFIG)")
	flags.IntVarP(&serveConfig.Port, "port", "p", getEnvInt("PORT", config.DefaultPort), "Port to listen on (env: PORT)")
	flags.IntVar(&serveConfig.Workers, "workers", getEnvInt("WORKERS", config.DefaultWorkers), "Requests resolved concurrently (env: WORKERS)")
	flags.Int64Var(&serveConfig.MaxPostSize, "max-post-size", int64(getEnvInt("MAX_POST_SIZE", config.DefaultMaxPostSize)), "Largest accepted POST body in bytes (env: MAX_POST_SIZE)")
	flags.StringVar(&serveConfig.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Logging level: debug, info, warn, error (env: LOG_LEVEL)")
	flags.StringVar(&serveConfig.LogFormat, "log-format", getEnv("LOG_FORMAT", "json"), "Log format: json, console (env: LOG_FORMAT)")
	flags.BoolVar(&serveConfig.LogRequests, "log-requests", getEnvBool("LOG_REQUESTS", false), "Log every request (env: LOG_REQUESTS)")

	healthCheckCmd.Flags().IntP("port", "p", getEnvInt("PORT", config.DefaultPort), "Port of the server to query (env: PORT)")

	rootCmd.AddCommand(serveCmd, healthCheckCmd, versionCmd)
}

func getEnv(name, fallback string) string {
	if value, ok := os.LookupEnv(name); ok {
		return value
	}
	return fallback
}

func getEnvInt(name string, fallback int) int {
	if n, err := strconv.Atoi(getEnv(name, "")); err == nil {
		return n
	}
	return fallback
}

func getEnvBool(name string, fallback bool) bool {
	if b, err := strconv.ParseBool(getEnv(name, "")); err == nil {
		return b
	}
	return fallback
}

func setupLogging(level, format string) {
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadSite builds the site from --config, or from the positional directory
// in zero-config mode. Flags given on the command line override the file.
func loadSite(cmd *cobra.Command, cfg *ServeConfig) (*config.Site, errors.E) {
	var (
		site *config.Site
		errE errors.E
	)
	if cfg.ConfigFile != "" {
		site, errE = config.Load(cfg.ConfigFile)
	} else {
		site, errE = config.Static(cfg.PublicDir)
	}
	if errE != nil {
		return nil, errE
	}

	flags := cmd.Flags()
	if cfg.ConfigFile == "" || flags.Changed("port") {
		site.Server.Port = cfg.Port
	}
	if cfg.ConfigFile == "" || flags.Changed("workers") {
		site.Server.Workers = cfg.Workers
	}
	if cfg.ConfigFile == "" || flags.Changed("max-post-size") {
		site.Server.MaxPostSize = cfg.MaxPostSize
	}
	if site.Server.Workers <= 0 {
		errE := errors.WithStack(config.ErrInvalid)
		errors.Details(errE)["workers"] = site.Server.Workers
		return nil, errE
	}
	return site, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := serveConfig
	cfg.PublicDir = "public"
	if len(args) > 0 {
		cfg.PublicDir = args[0]
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	site, errE := loadSite(cmd, &cfg)
	if errE != nil {
		log.Error().Err(errE).Fields(errors.Details(errE)).Msg("failed to load configuration")
		return errE
	}

	log.Info().
		Str("version", FullVersion()).
		Int("port", site.Server.Port).
		Int("workers", site.Server.Workers).
		Int64("max_post_size", site.Server.MaxPostSize).
		Int("vhosts", len(site.Router.VHosts())).
		Str("config", cfg.ConfigFile).
		Bool("log_requests", cfg.LogRequests).
		Msg("starting nano-httpd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := NewServer(site, cfg.LogRequests)
	defer srv.Close()
	return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", site.Server.Port))
}

func runHealthCheck(cmd *cobra.Command, args []string) error {
	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		return errors.WithStack(err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath))
	if err := fasthttp.DoTimeout(req, resp, 5*time.Second); err != nil {
		return errors.Wrap(err, "health check request failed")
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		errE := errors.New("server unhealthy")
		errors.Details(errE)["status"] = resp.StatusCode()
		return errE
	}
	fmt.Println(string(resp.Body()))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
