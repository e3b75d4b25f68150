package main

import (
	"context"
	"errors"
	"fmt"
	"net"
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

	"go.mau.fi/lmhub/clientapi"
	"go.mau.fi/lmhub/config"
	"go.mau.fi/lmhub/fedapi"
	"go.mau.fi/lmhub/fedclient"
	"go.mau.fi/lmhub/keys"
	"go.mau.fi/lmhub/room"
	"go.mau.fi/lmhub/roomstore"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
var noSaveConfig = flag.MakeFull("n", "no-update", "Don't update the config file", "false").Bool()
var version = flag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

type LMHub struct {
	Config   *config.Config
	Log      *zerolog.Logger
	Identity *keys.ServerIdentity
	KeyStore *keys.KeyStore

	Federation    *fedclient.Client
	Rooms         *roomstore.RoomStore
	Invites       *roomstore.InviteStore
	FederationAPI *fedapi.API
	ClientAPI     *clientapi.API

	Server        *http.Server
	MetricsServer *http.Server
}

func (lm *LMHub) Init(configPath string, noSaveConfig bool) {
	var err error
	lm.Config = loadConfig(configPath, noSaveConfig)
	lm.Log, err = lm.Config.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to configure logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(lm.Log)

	lm.Log.Info().
		Str("version", VersionWithCommit).
		Time("built_at", ParsedBuildTime).
		Str("go_version", runtime.Version()).
		Str("server_name", lm.Config.Server.ServerName).
		Msg("Initializing lmhub")

	signingKey, generated, err := keys.LoadOrGenerateKeyFile(lm.Config.SigningKey.Path, lm.Config.SigningKey.KeyID)
	if err != nil {
		lm.Log.WithLevel(zerolog.FatalLevel).Err(err).Str("path", lm.Config.SigningKey.Path).Msg("Failed to load signing key")
		os.Exit(12)
	} else if generated {
		lm.Log.Info().Str("path", lm.Config.SigningKey.Path).Msg("Generated new signing key")
	}
	lm.Identity = keys.NewServerIdentity(lm.Config.Server.ServerName, signingKey)
	lm.Log.Debug().
		Stringer("key_id", lm.Identity.KeyID()).
		Str("public_key", string(lm.Identity.PublicKey())).
		Msg("Loaded signing key")

	resolver := fedclient.NewResolver()
	resolver.Port = int(lm.Config.Federation.DefaultPort)
	for serverName, baseURL := range lm.Config.Federation.Overrides {
		if err = resolver.Override(serverName, baseURL); err != nil {
			lm.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Invalid federation override")
			os.Exit(10)
		}
	}
	lm.Federation = fedclient.New(lm.Identity, resolver, newHTTPClient(lm.Config.Federation.RequestTimeout))
	lm.Federation.UserAgent = UserAgent
	lm.KeyStore = keys.NewKeyStore(lm.Identity, lm.Federation, lm.Config.Federation.KeyCacheSize, lm.Config.Federation.KeyCacheLifetime)
	lm.Rooms = roomstore.New(&room.Deps{
		Identity:          lm.Identity,
		Keys:              lm.KeyStore,
		Federation:        lm.Federation,
		RecursionLimit:    lm.Config.Timeline.RecursionLimit,
		FanoutConcurrency: lm.Config.Federation.FanoutConcurrency,
	})
	lm.Invites = roomstore.NewInviteStore(lm.Rooms, lm.Federation)
	lm.FederationAPI = fedapi.New(lm.Identity, lm.Rooms, lm.Invites, *lm.Log)
	if lm.Config.ClientAPI.Enabled {
		lm.ClientAPI = clientapi.New(lm.Identity.ServerName, lm.Rooms, lm.Invites, *lm.Log)
		lm.ClientAPI.DumpSecret = clientapi.HashSecret(lm.Config.ClientAPI.DumpSecret)
	}
	lm.AddHTTPEndpoints()

	lm.Log.Info().Msg("Initialization complete")
}

func newHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			ForceAttemptHTTP2:     true,
		},
	}
}

func (lm *LMHub) listen(srv *http.Server, name string) {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		lm.Log.WithLevel(zerolog.FatalLevel).Err(err).Str("address", srv.Addr).Msgf("Failed to listen for %s", name)
		os.Exit(13)
	}
	lm.Log.Info().Str("address", srv.Addr).Msgf("Serving %s", name)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lm.Log.Err(err).Msgf("Error in %s listener", name)
		}
	}()
}

func (lm *LMHub) Run(ctx context.Context) {
	lm.listen(lm.Server, "federation and client API")
	if lm.MetricsServer != nil {
		lm.listen(lm.MetricsServer, "metrics")
	}

	<-ctx.Done()
	lm.Log.Info().Msg("Shutting down")
	if lm.ClientAPI != nil {
		lm.ClientAPI.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{lm.Server, lm.MetricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			lm.Log.Err(err).Str("address", srv.Addr).Msg("Failed to shut down HTTP server cleanly")
		}
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
	} else if err = cfg.Validate(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Invalid config:", err)
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
	var lm LMHub
	lm.Init(*configPath, *noSaveConfig)
	ctx, cancel := context.WithCancel(lm.Log.WithContext(context.Background()))
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		cancel()
	}()
	lm.Run(ctx)
	lm.Log.Info().Msg("lmhub stopped")
}
