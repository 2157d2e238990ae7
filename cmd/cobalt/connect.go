package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/technocode/Cobalt/pkg/api"
	"github.com/technocode/Cobalt/pkg/config"
	"github.com/technocode/Cobalt/pkg/events"
	"github.com/technocode/Cobalt/pkg/metrics"
	"github.com/technocode/Cobalt/pkg/socket"
	"github.com/technocode/Cobalt/pkg/store"
)

func connectCmd(flags *globalFlags) *cobra.Command {
	var (
		session    string
		alias      string
		statusAddr string
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect a session, pairing a new one by QR code",
		Long: `Connect opens the socket of a persisted session, or creates a new
session and prints pairing QR codes when --session is not given.
The process runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if statusAddr != "" {
				cfg.StatusAddr = statusAddr
			}
			return runConnect(cmd.Context(), flags, cfg, session, alias)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "UUID, phone number or alias of an existing session")
	cmd.Flags().StringVar(&alias, "alias", "", "alias to record for a new session")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve /health, /status and /metrics on this address")
	return cmd
}

func runConnect(ctx context.Context, flags *globalFlags, cfg *config.Config, ref, alias string) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	clientType, err := flags.clientType()
	if err != nil {
		return err
	}
	serializer, err := openSerializer(cfg)
	if err != nil {
		return fmt.Errorf("open session storage: %w", err)
	}
	defer serializer.Close()

	var session *store.Session
	if ref != "" {
		session, err = store.Load(ctx, serializer, parseSessionKey(clientType, ref))
		if err != nil {
			return fmt.Errorf("load session %s: %w", ref, err)
		}
	} else {
		session, err = store.NewSession(clientType)
		if err != nil {
			return err
		}
		if alias != "" {
			session.Store.Aliases = append(session.Store.Aliases, alias)
		}
		if err := store.Save(ctx, serializer, session); err != nil {
			return fmt.Errorf("save new session: %w", err)
		}
		log.Info("created session", zap.Stringer("uuid", session.Store.UUID))
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)
	registry := socket.NewRegistry(m)

	h, err := socket.New(socket.Options{
		Config:     cfg,
		Session:    session,
		Serializer: serializer,
		Registry:   registry,
		Logger:     log,
		Metrics:    m,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	finished := make(chan error, 1)
	finish := func(err error) {
		select {
		case finished <- err:
		default:
		}
	}
	h.AddEventHandler(func(evt any) {
		switch evt := evt.(type) {
		case *events.QR:
			printQRCode(evt.Codes)
		case *events.PairSuccess:
			fmt.Printf("Paired as %s on %s\n", evt.ID, evt.Platform)
		case *events.Connected:
			fmt.Println("Connected")
		case *events.Message:
			if text := evt.Message.Text(); text != "" {
				fmt.Printf("[%s] %s: %s\n", evt.Info.Chat, evt.Info.Sender, text)
			}
		case *events.LoggedOut:
			finish(errors.New("session was logged out"))
		case *events.Disconnected:
			if evt.Reason == events.ReasonDisconnected && evt.Err != nil {
				finish(evt.Err)
			}
		}
	})

	if cfg.StatusAddr != "" {
		apiConfig := api.DefaultConfig()
		apiConfig.Addr = cfg.StatusAddr
		server := api.NewServer(registry, promRegistry, apiConfig, log)
		go func() {
			if err := server.Start(ctx); err != nil {
				log.Error("status api stopped", zap.Error(err))
			}
		}()
	}

	if err := h.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	select {
	case <-ctx.Done():
		fmt.Println("Shutting down")
		return registry.Close()
	case err := <-finished:
		return err
	}
}

// printQRCode renders the first pairing code; later ones replace it as
// the server rotates refs.
func printQRCode(codes []string) {
	if len(codes) == 0 {
		return
	}
	qr, err := qrcode.New(codes[0], qrcode.Medium)
	if err != nil {
		fmt.Printf("Pairing code: %s\n", codes[0])
		return
	}
	fmt.Println(qr.ToSmallString(false))
	fmt.Println("Scan with WhatsApp > Linked devices")
}
