package main

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/jfeld/turnwatch/internal/gateway"
)

func setupServer(cfg *Config, services *Services) *http.Server {
	mux := http.NewServeMux()

	handler := gateway.NewHandler(
		services.Repo,
		services.Store,
		services.Poller,
		services.Client,
		services.ConnManager,
	)
	handler.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: c.Handler(mux),
	}
}
