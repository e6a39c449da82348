package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"telemetry-aggregator/core"
	"telemetry-aggregator/pkg/config"
	"telemetry-aggregator/transport"
)

var log = logrus.New()

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "aggregator",
		Short: "Telemetry aggregator: fan-in from shards, fan-out to feeds",
	}
	root.AddCommand(serveCmd(), configCmd())

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the aggregator, shard/feed transport and metrics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			applyLogLevel(cfg.Logging.Level)

			for _, hex := range cfg.Aggregator.FirstPartyChains {
				hash, err := core.BlockHashFromHex(hex)
				if err != nil {
					return err
				}
				core.RegisterFirstPartyChain(hash)
			}

			agg, metrics, err := core.Spawn(core.Options{
				Denylist:           cfg.Aggregator.Denylist,
				MaxQueueLen:        cfg.Aggregator.MaxQueueLen,
				MaxThirdPartyNodes: cfg.Aggregator.MaxThirdPartyNodes,
				UpdateEvery:        cfg.Aggregator.UpdateEvery,
				SendNodeData:       cfg.Aggregator.SendNodeData,
				MetadataPath:       cfg.Aggregator.MetadataPath,
			}, log)
			if err != nil {
				return err
			}
			defer agg.Close()

			metricsSrv := metrics.StartServer(cfg.Metrics.ListenAddr)
			defer metricsSrv.Shutdown(context.Background())

			router := transport.NewRouter(agg, log)
			httpSrv := &http.Server{Addr: cfg.Transport.ListenAddr, Handler: router}

			go func() {
				log.WithField("addr", cfg.Transport.ListenAddr).Info("listening for shard/feed connections")
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.WithError(err).Fatal("transport server stopped")
				}
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			log.Info("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(ctx)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(validateConfigCmd())
	return cmd
}

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load configuration and report any errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"max_queue_len":         cfg.Aggregator.MaxQueueLen,
				"max_third_party_nodes": cfg.Aggregator.MaxThirdPartyNodes,
				"update_every":          cfg.Aggregator.UpdateEvery,
				"send_node_data":        cfg.Aggregator.SendNodeData,
				"listen_addr":           cfg.Transport.ListenAddr,
			}).Info("configuration OK")
			return nil
		},
	}
}

func applyLogLevel(level string) {
	if level == "" {
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		log.WithError(err).Warn("invalid logging.level, keeping default")
		return
	}
	log.SetLevel(parsed)
}
