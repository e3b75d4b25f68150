package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"golang.org/x/sync/semaphore"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/fedclient"
	"go.mau.fi/lmhub/keys"
)

var port = flag.MakeFull("p", "port", "Port to use for server names without one", "8338").Int()
var useHTTPS = flag.Make().LongKey("https").Usage("Use HTTPS instead of plain HTTP").Default("false").Bool()
var concurrency = flag.MakeFull("j", "concurrency", "Number of servers to check in parallel", "10").Int64()
var wantHelp, _ = flag.MakeHelpFlag()

var ctx context.Context
var log *zerolog.Logger

var defaultDialer = &net.Dialer{Timeout: 10 * time.Second}
var defaultHTTP = &http.Client{Timeout: 1 * time.Minute, Transport: &http.Transport{
	DialContext:           defaultDialer.DialContext,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 30 * time.Second,
	ForceAttemptHTTP2:     true,
}}

func main() {
	exerrors.PanicIfNotNil(flag.Parse())
	if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}
	log = exerrors.Must((&zeroconfig.Config{
		Writers: []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStderr,
			Format: zeroconfig.LogFormatPrettyColored,
		}},
		MinLevel: ptr.Ptr(zerolog.DebugLevel),
	}).Compile())
	exzerolog.SetupDefaults(log)
	ctx = log.WithContext(context.Background())

	resolver := fedclient.NewResolver()
	resolver.Port = *port
	if *useHTTPS {
		resolver.Scheme = "https"
	}
	client := fedclient.New(nil, resolver, defaultHTTP)

	stdin := string(exerrors.Must(io.ReadAll(os.Stdin)))
	serverNames := slices.DeleteFunc(strings.Fields(stdin), func(s string) bool {
		if !id.ValidateServerName(s) {
			fmt.Println("Skipping invalid server name", s)
			return true
		}
		return false
	})
	fmt.Println("Checking", serverNames)
	var wg sync.WaitGroup
	wg.Add(len(serverNames))
	sema := semaphore.NewWeighted(*concurrency)
	out := make([]string, len(serverNames))
	failed := 0
	var failedLock sync.Mutex
	for i, serverName := range serverNames {
		go func() {
			defer wg.Done()
			exerrors.PanicIfNotNil(sema.Acquire(ctx, 1))
			defer sema.Release(1)
			var ok bool
			out[i], ok = checkServerKeys(client, serverName)
			if !ok {
				failedLock.Lock()
				failed++
				failedLock.Unlock()
			}
		}()
	}
	wg.Wait()
	for _, result := range out {
		fmt.Println(result)
	}
	if failed > 0 {
		fmt.Printf("%d/%d servers failed\n", failed, len(serverNames))
		os.Exit(1)
	}
}

func checkServerKeys(client *fedclient.Client, serverName string) (string, bool) {
	log := log.With().Str("server_name", serverName).Logger()
	resp, err := client.GetSigningKeys(log.WithContext(ctx), serverName)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to fetch keys")
		return fmt.Sprintf("%s: failed to fetch keys: %v", serverName, err), false
	}
	if resp.ServerName != serverName {
		return fmt.Sprintf("%s: response is for wrong server %q", serverName, resp.ServerName), false
	}
	if err = keys.VerifySelfSignature(resp); err != nil {
		return fmt.Sprintf("%s: invalid self-signature: %v", serverName, err), false
	}
	keyIDs := make([]string, 0, len(resp.VerifyKeys))
	for keyID := range resp.VerifyKeys {
		keyIDs = append(keyIDs, string(keyID))
	}
	slices.Sort(keyIDs)
	validFor := time.Until(resp.ValidUntilTS.Time).Round(time.Second)
	if validFor <= 0 {
		return fmt.Sprintf("%s: keys %s expired %s ago", serverName, strings.Join(keyIDs, ", "), -validFor), false
	}
	return fmt.Sprintf("%s: OK, keys %s valid for %s", serverName, strings.Join(keyIDs, ", "), validFor), true
}
