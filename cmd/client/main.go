package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/yitech/marketboard/candlestore"
	"github.com/yitech/marketboard/chart"
	"github.com/yitech/marketboard/config"
	"github.com/yitech/marketboard/logging"
	"github.com/yitech/marketboard/model/candle"
	"github.com/yitech/marketboard/model/market"
	"github.com/yitech/marketboard/rpc"
	"github.com/yitech/marketboard/viewport"
)

func main() {
	addr := getEnv("SERVER_ADDR", "localhost:50051")
	tfName := getEnv("TIMEFRAME", "minutes/15")
	logPath := getEnv("CLIENT_LOG", "")
	step := getEnvInt("SCROLL_STEP", 5)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	tf, err := candle.ParseTimeframe(tfName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// The terminal belongs to the TUI; logs go to a file or nowhere.
	var logOut io.Writer = io.Discard
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	logger := logging.NewTo(logOut, cfg.Log.Level, cfg.Log.Format)

	conn, err := rpc.Dial(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create client: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	client := rpc.NewClient(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots := make(chan market.Snapshot, 16)
	go func() {
		for {
			err := client.WatchSnapshot(ctx, func(s market.Snapshot) {
				select {
				case snapshots <- s:
				case <-ctx.Done():
				}
			})
			if ctx.Err() != nil {
				return
			}
			logger.Warn("snapshot stream ended, retrying in 3s", "err", err)
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}()

	store := candlestore.New(client, cfg.Chart.PageSize, logger)
	session := chart.New(store, client, chart.Options{
		LiveInterval: cfg.Intervals.Live.Std(),
		LiveCount:    cfg.Chart.LiveCount,
		Logger:       logger,
	})
	defer session.Close()

	bus := newSender()
	m := newModel(session, tf, snapshots, bus, viewport.Options{
		Tolerance:  cfg.Chart.Tolerance,
		Count:      cfg.Chart.PageSize,
		RetryDelay: cfg.Chart.RetryDelay.Std(),
		Logger:     logger,
	}, step)
	p := tea.NewProgram(m, tea.WithAltScreen())
	go bus.run(ctx, p)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "tui error: %v\n", err)
		os.Exit(1)
	}
}

// program is the part of tea.Program the sender needs.
type program interface {
	Send(msg tea.Msg)
}

// sender posts messages to the running program from any goroutine
// without blocking the caller. Messages are delivered one at a time in
// the order they were sent.
type sender struct {
	mu    sync.Mutex
	queue []tea.Msg
	wake  chan struct{}
}

func newSender() *sender {
	return &sender{wake: make(chan struct{}, 1)}
}

func (s *sender) Send(msg tea.Msg) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run pumps queued messages into p until ctx is done.
func (s *sender) run(ctx context.Context, p program) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, msg := range batch {
			p.Send(msg)
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
