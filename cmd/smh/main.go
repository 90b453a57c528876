package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/exzerolog"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"

	"github.com/RasmusRendal/smh/config"
	"github.com/RasmusRendal/smh/federation"
	"github.com/RasmusRendal/smh/signing"
	"github.com/RasmusRendal/smh/util"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
var noSaveConfig = flag.MakeFull("n", "no-update", "Don't update the config file", "false").Bool()
var version = flag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

type SMH struct {
	Config     *config.Config
	Log        *zerolog.Logger
	Keys       *signing.KeyStore
	Resolver   *federation.Resolver
	Federation *federation.Client

	managementSecret *[util.HashSize]byte
	server           *http.Server
}

func (s *SMH) Init(configPath string, noSaveConfig bool) {
	var err error
	s.Config = loadConfig(configPath, noSaveConfig)
	s.Log, err = s.Config.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to configure logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(s.Log)

	s.Log.Info().
		Str("version", VersionWithCommit).
		Time("built_at", ParsedBuildTime).
		Str("go_version", runtime.Version()).
		Msg("Initializing SMH")

	s.Keys, err = signing.NewKeyStore(
		s.Config.Homeserver.Domain,
		s.Config.Homeserver.KeyVersion,
		s.Config.Homeserver.SigningKey,
	)
	if err != nil {
		s.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to load signing identity")
		os.Exit(12)
	}

	cacheTTL := time.Duration(0)
	if ttl := s.Config.Federation.WellKnownCacheTTL; ttl != "" {
		cacheTTL, err = time.ParseDuration(ttl)
		if err != nil {
			s.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Invalid well-known cache TTL")
			os.Exit(13)
		}
	}
	httpClient := federation.NewHTTPClient(s.Config.Federation.VerifyTLS)
	s.Resolver = federation.NewResolver(httpClient, cacheTTL)
	s.Federation = federation.NewClient(s.Keys, s.Resolver, httpClient, s.Config.SMH.RoomName)

	if s.Config.SMH.ManagementSecret != "" {
		hash := util.SHA256String(s.Config.SMH.ManagementSecret)
		s.managementSecret = &hash
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.Config.Server.Hostname, s.Config.Server.Port),
		Handler: s.setupRouter(),
	}
	s.Log.Info().Str("server_name", s.Keys.ServerName).Msg("Initialization complete")
}

func (s *SMH) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.Log.Err(err).Msg("Failed to shut down HTTP server cleanly")
		}
	}()
	s.Log.Info().Str("address", s.server.Addr).Msg("Starting HTTP server")
	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("HTTP server failed")
		os.Exit(20)
	}
}

func loadConfig(path string, noSave bool) *config.Config {
	configData, _, err := up.Do(path, !noSave, config.Upgrader)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to upgrade config:", err)
		os.Exit(10)
	}
	var cfg config.Config
	err = yaml.Unmarshal(configData, &cfg)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to parse config:", err)
		os.Exit(10)
	}
	return &cfg
}

func main() {
	initVersion()
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Println(VersionDescription)
		os.Exit(0)
	}
	var s SMH
	ctx, cancel := context.WithCancel(context.Background())
	s.Init(*configPath, *noSaveConfig)
	ctx = s.Log.WithContext(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		cancel()
	}()
	s.Run(ctx)
	s.Log.Info().Msg("SMH stopped")
}
