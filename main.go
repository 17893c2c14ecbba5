package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docopt/docopt-go"
	"github.com/dustin/go-humanize"
	"github.com/sanity-io/litter"
	"go.uber.org/zap"

	"boardsync/internal/config"
	"boardsync/internal/diff"
	"boardsync/internal/durable"
	"boardsync/internal/ephemeral"
	"boardsync/internal/export"
	"boardsync/internal/logger"
	bsnet "boardsync/internal/net"
	"boardsync/internal/session"
	"boardsync/internal/state"
)

const Version = "0.1.0"

const usage = `boardsync: real-time sync engine for collaborative canvas documents.

Usage:
    boardsync relay [--config=<path>] [--port=<port>] [--advertise]
    boardsync browse [--timeout=<duration>]
    boardsync demo [--config=<path>] [--shapes=<n>] [--relay=<url>]
    boardsync inspect <doc> [--config=<path>]
    boardsync export <doc> <out> [--config=<path>]
    boardsync -h | --help
    boardsync --version

Options:
    -h --help               Show this screen.
    --version               Show version.
    --config=<path>         YAML config file [default: ./boardsync.yaml].
    --port=<port>           Relay port, overrides relay.port.
    --advertise             Announce the relay over mDNS.
    --timeout=<duration>    How long to browse for relays [default: 3s].
    --shapes=<n>            Shapes the demo creates [default: 25].
    --relay=<url>           Use a running relay instead of the in-process hub.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if relay_, _ := opts.Bool("relay"); relay_ {
		err = runRelay(opts)
	} else if browse_, _ := opts.Bool("browse"); browse_ {
		err = runBrowse(opts)
	} else if demo_, _ := opts.Bool("demo"); demo_ {
		err = runDemo(opts)
	} else if inspect_, _ := opts.Bool("inspect"); inspect_ {
		err = runInspect(opts)
	} else if export_, _ := opts.Bool("export"); export_ {
		err = runExport(opts)
	}
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardsync: %+v\n", err)
		os.Exit(1)
	}
}

func loadConfig(opts docopt.Opts) (*config.Config, error) {
	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.InitWithLevel(cfg.Logging.Level)
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRelay(opts docopt.Opts) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if p, _ := opts.String("--port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return errors.Wrapf(err, "invalid --port %q", p)
		}
		cfg.Relay.Port = port
	}
	if adv, _ := opts.Bool("--advertise"); adv {
		cfg.Relay.Advertise = true
	}

	relay := bsnet.NewRelay(bsnet.RelayConfig{Address: cfg.Relay.Address, Port: cfg.Relay.Port})
	if cfg.Relay.Advertise {
		server, err := bsnet.Advertise(cfg.Relay.Port)
		if err != nil {
			logger.Warn("mdns_advertise_failed", zap.Error(err))
		} else {
			defer server.Shutdown()
		}
	}
	fmt.Printf("relay listening, share %s\n", bsnet.ShareURL(cfg.Relay.Port))

	ctx, stop := signalContext()
	defer stop()
	errc := make(chan error, 1)
	go func() { errc <- relay.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return relay.Shutdown(shutdown)
}

func runBrowse(opts docopt.Opts) error {
	logger.Init()
	raw, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid --timeout %q", raw)
	}
	ctx, stop := signalContext()
	defer stop()
	found := 0
	err = bsnet.Browse(ctx, timeout, func(url string) {
		found++
		fmt.Println(url)
	})
	if found == 0 {
		fmt.Println("no relays found")
	}
	return err
}

// runDemo opens two sessions on one pebble store, lets one of them create and
// drag shapes, and reports whether the other converged.
func runDemo(opts docopt.Opts) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	n := 25
	if raw, _ := opts.String("--shapes"); raw != "" {
		if n, err = strconv.Atoi(raw); err != nil {
			return errors.Wrapf(err, "invalid --shapes %q", raw)
		}
	}

	store, err := durable.OpenPebble(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signalContext()
	defer stop()

	channels := make([]ephemeral.Channel, 2)
	relayURL, _ := opts.String("--relay")
	if relayURL == "" {
		relayURL = cfg.Relay.URL
	}
	if relayURL != "" {
		for i := range channels {
			c, err := bsnet.Dial(ctx, relayURL, cfg.Document)
			if err != nil {
				return err
			}
			defer c.Close()
			channels[i] = c
		}
	} else {
		hub := ephemeral.NewHub()
		defer hub.Close()
		channels[0], channels[1] = hub, hub
	}

	sessions := make([]*session.Session, 2)
	for i, name := range []string{"alice", "bob"} {
		o := cfg.SessionOptions()
		o.Identity = name
		o.Backend = store
		o.Channel = channels[i]
		s, err := session.Open(ctx, o)
		if err != nil {
			return err
		}
		sessions[i] = s
		<-s.Ready()
	}
	alice, bob := sessions[0], sessions[1]
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range sessions {
			if err := s.Close(closeCtx); err != nil {
				logger.Warn("session_close_failed", zap.String("identity", s.Identity()), zap.Error(err))
			}
		}
	}()

	shapes := make([]state.Shape, n)
	for i := range shapes {
		shapes[i] = state.NewShape(state.KindSticky, float64(40*(i%10)), float64(40*(i/10)))
		shapes[i].Width, shapes[i].Height = 30, 30
		shapes[i].Text = "note " + strconv.Itoa(i+1)
	}
	if err := alice.Create(shapes...); err != nil {
		return err
	}
	if n > 0 {
		id := shapes[0].ID
		for step := 1; step <= 30; step++ {
			if err := alice.DragMove(map[string]state.Point{id: {X: float64(step * 5), Y: 200}}); err != nil {
				return err
			}
			time.Sleep(10 * time.Millisecond)
		}
		if err := alice.DragEnd(); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for !diff.Equal(alice.Snapshot(), bob.Snapshot()) {
		if time.Now().After(deadline) || ctx.Err() != nil {
			fmt.Printf("not converged: alice has %d shapes, bob has %d\n", alice.Snapshot().Len(), bob.Snapshot().Len())
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Printf("converged on %s shapes in document %q\n", humanize.Comma(int64(bob.Snapshot().Len())), cfg.Document)
	return nil
}

func runInspect(opts docopt.Opts) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	doc, _ := opts.String("<doc>")
	store, err := durable.OpenPebble(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.Records(doc)
	if err != nil {
		return err
	}
	dump := litter.Options{HidePrivateFields: true, StripPackageNames: true}
	for _, r := range recs {
		fmt.Printf("%s %s by %s, %s\n", r.Shape.Type, r.Shape.ID, r.UpdatedBy, humanize.Time(r.UpdatedAt))
		fmt.Println(dump.Sdump(r.Shape))
	}
	fmt.Printf("%s shapes in %q\n", humanize.Comma(int64(len(recs))), doc)
	return nil
}

func runExport(opts docopt.Opts) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	doc, _ := opts.String("<doc>")
	out, _ := opts.String("<out>")
	store, err := durable.OpenPebble(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Snapshot(doc)
	if err != nil {
		return err
	}
	if err := export.PDF(snap, out, doc); err != nil {
		return err
	}
	fmt.Printf("wrote %d shapes to %s\n", snap.Len(), out)
	return nil
}
