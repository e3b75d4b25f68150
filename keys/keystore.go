package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/federation"

	"go.mau.fi/lmhub/roomversion"
)

var keyFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lmhub_key_fetches_total",
	Help: "Number of remote server key fetches by outcome",
}, []string{"outcome"})

// KeyFetcher retrieves the published keys of a remote server.
type KeyFetcher interface {
	GetSigningKeys(ctx context.Context, serverName string) (*federation.ServerKeyResponse, error)
}

type cachedKeys struct {
	keys    *federation.ServerKeyResponse
	expires time.Time
}

const (
	DefaultCacheSize   = 1024
	DefaultMaxLifetime = time.Hour
)

// KeyStore validates signatures of remote servers, caching their verify keys.
type KeyStore struct {
	Self        *ServerIdentity
	Fetcher     KeyFetcher
	MaxLifetime time.Duration

	cache      *lru.Cache[string, *cachedKeys]
	fetchGroup singleflight.Group
}

var _ roomversion.SignatureValidator = (*KeyStore)(nil)

func NewKeyStore(self *ServerIdentity, fetcher KeyFetcher, cacheSize int, maxLifetime time.Duration) *KeyStore {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if maxLifetime <= 0 {
		maxLifetime = DefaultMaxLifetime
	}
	cache, err := lru.New[string, *cachedKeys](cacheSize)
	if err != nil {
		panic(err)
	}
	return &KeyStore{
		Self:        self,
		Fetcher:     fetcher,
		MaxLifetime: maxLifetime,
		cache:       cache,
	}
}

// GetServerKeys returns the current verify keys of a server, fetching them if they're not cached.
func (ks *KeyStore) GetServerKeys(ctx context.Context, serverName string) (*federation.ServerKeyResponse, error) {
	if cached, ok := ks.cache.Get(serverName); ok {
		if time.Now().Before(cached.expires) {
			return cached.keys, nil
		}
		ks.cache.Remove(serverName)
	}
	ch := ks.fetchGroup.DoChan(serverName, func() (any, error) {
		return ks.fetch(context.WithoutCancel(ctx), serverName)
	})
	select {
	case <-ctx.Done():
		return nil, &roomversion.KeyFetchError{ServerName: serverName, Reason: "request cancelled", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*federation.ServerKeyResponse), nil
	}
}

func (ks *KeyStore) fetch(ctx context.Context, serverName string) (*federation.ServerKeyResponse, error) {
	log := zerolog.Ctx(ctx).With().Str("server_name", serverName).Logger()
	resp, err := ks.Fetcher.GetSigningKeys(ctx, serverName)
	if err != nil {
		keyFetches.WithLabelValues("error").Inc()
		return nil, &roomversion.KeyFetchError{ServerName: serverName, Reason: "request failed", Err: err}
	} else if resp.ServerName != serverName {
		keyFetches.WithLabelValues("server_name_mismatch").Inc()
		return nil, &roomversion.KeyFetchError{
			ServerName: serverName,
			Reason:     fmt.Sprintf("response is for %q", resp.ServerName),
		}
	} else if err = VerifySelfSignature(resp); err != nil {
		keyFetches.WithLabelValues("bad_signature").Inc()
		return nil, &roomversion.KeyFetchError{ServerName: serverName, Reason: "self-signature check failed", Err: err}
	}
	keyFetches.WithLabelValues("success").Inc()
	expires := resp.ValidUntilTS.Time
	if maxExpiry := time.Now().Add(ks.MaxLifetime); expires.After(maxExpiry) {
		expires = maxExpiry
	}
	if time.Now().Before(expires) {
		ks.cache.Add(serverName, &cachedKeys{keys: resp, expires: expires})
	}
	log.Debug().Time("cache_until", expires).Int("key_count", len(resp.VerifyKeys)).Msg("Fetched server keys")
	return resp, nil
}

// ValidateDomainSignature checks that the object carries a valid signature from the given server using
// one of its current verify keys.
func (ks *KeyStore) ValidateDomainSignature(ctx context.Context, obj map[string]any, serverName string) error {
	keyIDs := signatureKeyIDs(obj, serverName)
	if len(keyIDs) == 0 {
		return fmt.Errorf("%w from %s", roomversion.ErrMissingSignature, serverName)
	}
	if ks.Self != nil && serverName == ks.Self.ServerName {
		return ValidateSignature(obj, serverName, ks.Self.KeyID(), ks.Self.PublicKey())
	}
	serverKeys, err := ks.GetServerKeys(ctx, serverName)
	if err != nil {
		return err
	}
	var lastErr error
	for _, keyID := range keyIDs {
		key, ok := serverKeys.VerifyKeys[keyID]
		if !ok {
			continue
		}
		if lastErr = ValidateSignature(obj, serverName, keyID, key.Key); lastErr == nil {
			return nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no signatures made with a known verify key")
	}
	return fmt.Errorf("failed to validate signature from %s: %w", serverName, lastErr)
}
