package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/requestlog"

	"go.mau.fi/lmhub/clientapi"
)

func (lm *LMHub) AddHTTPEndpoints() {
	mux := http.NewServeMux()
	fedHandler := lm.FederationAPI.Handler()
	mux.Handle("/_matrix/", fedHandler)

	if lm.ClientAPI != nil {
		clientHandler := lm.ClientAPI.Handler(lm.Config.ClientAPI.Path)
		mux.Handle(lm.Config.ClientAPI.Path, clientHandler)
		mux.Handle(clientapi.DumpPath, clientHandler)
	}

	mux.Handle("GET /_lmhub/v1/health", exhttp.ApplyMiddleware(
		http.HandlerFunc(lm.GetHealth),
		hlog.NewHandler(lm.Log.With().Str("component", "health api").Logger()),
		exhttp.CORSMiddleware,
		requestlog.AccessLogger(requestlog.Options{}),
	))

	lm.Server = &http.Server{
		Addr:              lm.Config.Server.ListenAddress(),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}
	if lm.Config.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		lm.MetricsServer = &http.Server{
			Addr:              lm.Config.Metrics.Listen,
			Handler:           metricsMux,
			ReadHeaderTimeout: 30 * time.Second,
		}
	}
}
