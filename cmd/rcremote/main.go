package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/rc-remote/internal/bridge"
	"github.com/shaunagostinho/rc-remote/internal/buttons"
	"github.com/shaunagostinho/rc-remote/internal/control"
	"github.com/shaunagostinho/rc-remote/internal/link"
	"github.com/shaunagostinho/rc-remote/internal/maintenance"
	"github.com/shaunagostinho/rc-remote/internal/remote"
	"github.com/shaunagostinho/rc-remote/internal/server"
	"github.com/shaunagostinho/rc-remote/internal/sim"
	"github.com/shaunagostinho/rc-remote/internal/telemetry"
	"github.com/shaunagostinho/rc-remote/web"
)

func main() {
	configPath := flag.String("config", "/etc/rc-remote/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Drive a simulated car on loopback")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] rc-remote starting")

	cfg := server.LoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	if *demo {
		addr, err := startDemoCar(ctx)
		if err != nil {
			log.Fatalf("[main] demo car: %v", err)
		}
		if cfg.Link.Transport == "polling" {
			cfg.Link.URL = "http://" + addr + "/control"
		} else {
			cfg.Link.Transport = "websocket"
			cfg.Link.URL = "ws://" + addr + "/ws"
		}
		cfg.Maintenance.BaseURL = "http://" + addr
	}

	dialer, err := newDialer(cfg.Link)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	enc, err := control.EncoderFor(cfg.Link.Encoding)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	dec, err := telemetry.DecoderFor(cfg.Link.Telemetry)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	rem := remote.New(remote.Config{
		Control:     cfg.Control,
		Transmit:    cfg.Transmit,
		Link:        cfg.Link.Session(),
		Maintenance: cfg.Maintenance,
		Calibration: cfg.Telemetry,
		GateOnLink:  cfg.Link.GateIntents,
	}, remote.Parts{
		Dialer:   dialer,
		Encoder:  enc,
		Decoder:  dec,
		Endpoint: &maintenance.Client{BaseURL: cfg.Maintenance.BaseURL},
	})
	rem.Start(ctx)
	defer rem.Close()

	srv := server.New(cfg, rem, web.FS)

	if cfg.Redis.Enabled {
		br := bridge.New(cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.Prefix, rem)
		defer br.Close()
		srv.AddSink(br)
		go func() {
			if connectWithRetry(ctx, "redis", br, 10) {
				br.StartListening()
			}
		}()
	}

	if cfg.Buttons.Enabled {
		btns, err := buttons.New(cfg.Buttons.Chip, cfg.Buttons.Lines, rem)
		if err != nil {
			log.Fatalf("[main] %v", err)
		}
		defer btns.Close()
		go connectWithRetry(ctx, "gpio", btns, 3)
	}

	// Serve the panel; the link comes up on its own
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

func newDialer(cfg server.LinkConfig) (link.Dialer, error) {
	switch cfg.Transport {
	case "", "websocket":
		return link.WebSocketDialer{URL: cfg.URL}, nil
	case "polling":
		return link.PollingDialer{URL: cfg.URL}, nil
	case "serial":
		return link.SerialDialer{PortPath: cfg.PortPath, BaudRate: cfg.BaudRate}, nil
	default:
		return nil, fmt.Errorf("unknown link transport %q", cfg.Transport)
	}
}

// startDemoCar runs the simulated car on a free loopback port.
func startDemoCar(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	ln.Close()

	car := sim.New(sim.Config{})
	go func() {
		if err := car.Serve(ctx, addr); err != nil {
			log.Printf("[sim] %v", err)
		}
	}()
	return addr, nil
}

// connectable is satisfied by the Redis bridge and the GPIO buttons.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. Returns false if ctx ended
// first.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}

			delay = min(delay*2, maxDelay)
		} else {
			log.Printf("[%s] connected (attempt %d)", name, attempt+1)
			return true
		}
	}
}
