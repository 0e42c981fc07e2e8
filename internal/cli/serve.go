package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kfarnham/hwkey-bridge/internal/hwkey"
	"github.com/kfarnham/hwkey-bridge/internal/server"
	"github.com/kfarnham/hwkey-bridge/internal/traffic"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var (
		demo       bool
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket bridge server",
		Long: "Opens the hardware key and exposes it over HTTP: engine events " +
			"stream to WebSocket clients, commands are submitted via the JSON API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.SetFlags(log.Ldate | log.Ltime)
			log.Println("[main] hwkey-bridge starting")

			cfg := server.LoadConfig(opts.ConfigPath)
			if opts.Port != "" {
				cfg.Device.Port = opts.Port
			}
			if opts.BaudRate != 0 {
				cfg.Device.BaudRate = opts.BaudRate
			}
			if opts.Debug {
				cfg.Device.Debug = true
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}

			rec := traffic.New(cfg.Traffic)
			defer rec.Close()

			engCfg := cfg.Device.EngineConfig()
			engCfg.Trace = rec.Record

			var eng *hwkey.Engine
			if demo {
				eng = hwkey.NewWithTransport("demo", hwkey.NewDemoTransport(), engCfg)
			} else {
				port := cfg.Device.Port
				if port == "" {
					ports, err := hwkey.Discover()
					if err != nil {
						return err
					}
					if len(ports) == 0 {
						log.Println("[main] no hardware key found, using the default device path")
					} else {
						port = ports[0]
					}
				}
				if port == "" {
					// No port known at startup: run in demo-less wait mode is
					// not useful, so fall back to the default device path.
					port = "/dev/ttyUSB0"
				}
				eng = hwkey.New(port, engCfg)
			}

			// A failed open is not fatal: the engine keeps reconnecting in the
			// background, and the server is useful (status, config) before the
			// key shows up.
			if err := eng.Open(); err != nil {
				log.Printf("[main] open failed: %v (reconnecting)", err)
			}
			defer eng.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				log.Printf("[main] received %v, shutting down", sig)
				cancel()
			}()

			srv := server.New(cfg, eng, rec)
			if err := srv.Run(ctx); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&demo, "demo", false, "use a simulated in-process key")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override listen address (e.g. :8090)")

	return cmd
}
