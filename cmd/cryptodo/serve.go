package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/cryptodo/internal/api"
	"github.com/TheMichaelB/cryptodo/internal/identity"
	"github.com/TheMichaelB/cryptodo/internal/services/keys"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	Long: `Serve exposes key provisioning and ciphertext storage over HTTP.
Requests carry an HS256 bearer token signed with auth.jwt_secret.`,
	Example: `  CRYPTODO_AUTH_JWT_SECRET=... cryptodo serve
  cryptodo serve --listen :9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveListen string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "",
		"Listen address (overrides server.listen_addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if serveListen != "" {
		cfg.Server.ListenAddr = serveListen
	}

	verifier, err := identity.NewJWTVerifier(&cfg.Auth)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := keys.NewMetrics(reg)
	if err != nil {
		return err
	}

	stack, err := openLocal(ctx, metrics)
	if err != nil {
		return err
	}
	defer stack.Close()

	srv, err := api.NewServer(api.Options{
		Config:   &cfg.Server,
		Keys:     stack.keys,
		Records:  stack.records,
		Verifier: verifier,
		Registry: reg,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"key_backend":    cfg.Storage.KeyBackend,
		"record_backend": cfg.Storage.RecordBackend,
		"key_mode":       cfg.Crypto.KeyMode,
	}).Info("Starting server")

	return srv.ListenAndServe(ctx)
}
