// Command perfmonitor replays start/stop cycles against a running service
// and reports control-plane and event-feed latency.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/ent0n29/fieldwatch/internal/events"
	"github.com/ent0n29/fieldwatch/internal/protocol"
)

type options struct {
	baseURL      string
	token        string
	supervisorID int64
	role         string
	targetKind   string
	firstTarget  int64
	cycles       int
	cycleTimeout time.Duration
	interCycle   time.Duration
	verbose      bool
}

type startRequest struct {
	TargetID     int64  `json:"targetId"`
	TargetKind   string `json:"targetKind"`
	SupervisorID int64  `json:"supervisorId"`
}

type cycleTiming struct {
	start time.Duration
	feed  time.Duration
	stop  time.Duration
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfmonitor: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfmonitor: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	flags := pflag.NewFlagSet("perfmonitor", pflag.ContinueOnError)
	flags.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "monitoring service base URL")
	flags.StringVar(&cfg.token, "token", "", "bearer token; when empty debug headers are sent (AUTH_MODE=disabled)")
	flags.Int64Var(&cfg.supervisorID, "supervisor-id", 1, "supervisor id for debug headers and requests")
	flags.StringVar(&cfg.role, "role", "admin", "role for debug headers")
	flags.StringVar(&cfg.targetKind, "target-kind", "COMMERCIAL", "COMMERCIAL or MANAGER")
	flags.Int64Var(&cfg.firstTarget, "first-target", 900000, "first synthetic target id")
	flags.IntVar(&cfg.cycles, "cycles", 20, "number of start/stop cycles")
	flags.DurationVar(&cfg.cycleTimeout, "cycle-timeout", 10*time.Second, "timeout waiting for a feed event")
	flags.DurationVar(&cfg.interCycle, "inter-cycle", 50*time.Millisecond, "delay between cycles")
	flags.BoolVar(&cfg.verbose, "verbose", false, "print per-cycle timings")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.cycles <= 0 {
		return options{}, fmt.Errorf("cycles must be > 0")
	}
	if cfg.supervisorID <= 0 || cfg.firstTarget <= 0 {
		return options{}, fmt.Errorf("supervisor-id and first-target must be positive")
	}
	switch strings.ToUpper(strings.TrimSpace(cfg.targetKind)) {
	case "COMMERCIAL", "MANAGER":
		cfg.targetKind = strings.ToUpper(strings.TrimSpace(cfg.targetKind))
	default:
		return options{}, fmt.Errorf("target-kind must be COMMERCIAL or MANAGER")
	}
	if cfg.cycleTimeout < time.Second {
		cfg.cycleTimeout = time.Second
	}
	if cfg.interCycle < 0 {
		cfg.interCycle = 0
	}
	return cfg, nil
}

func (cfg options) authHeader() http.Header {
	h := http.Header{}
	if cfg.token != "" {
		h.Set("Authorization", "Bearer "+cfg.token)
		return h
	}
	h.Set("X-Debug-User-Id", strconv.FormatInt(cfg.supervisorID, 10))
	h.Set("X-Debug-Role", cfg.role)
	return h
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	wsURL, err := feedURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, cfg.authHeader())
	if err != nil {
		return fmt.Errorf("open event feed: %w", err)
	}
	defer conn.Close()

	feed := make(chan events.Event, 64)
	readErr := make(chan error, 1)
	go readLoop(conn, feed, readErr)

	client := &http.Client{Timeout: 30 * time.Second}
	timings := make([]cycleTiming, 0, cfg.cycles)
	for i := 0; i < cfg.cycles; i++ {
		target := cfg.firstTarget + int64(i)
		t, err := runCycle(ctx, client, cfg, target, feed, readErr)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", i+1, err)
		}
		timings = append(timings, t)
		if cfg.verbose {
			fmt.Printf("perfmonitor: cycle %d/%d target=%d start=%s feed=%s stop=%s\n",
				i+1, cfg.cycles, target, t.start.Round(time.Microsecond), t.feed.Round(time.Microsecond), t.stop.Round(time.Microsecond))
		}
		if cfg.interCycle > 0 && i < cfg.cycles-1 {
			time.Sleep(cfg.interCycle)
		}
	}

	printSummary(os.Stdout, timings)
	return nil
}

func runCycle(ctx context.Context, client *http.Client, cfg options, target int64, feed <-chan events.Event, readErr <-chan error) (cycleTiming, error) {
	var t cycleTiming

	begin := time.Now()
	if err := postJSON(ctx, client, cfg, "/v1/monitoring/sessions", startRequest{
		TargetID:     target,
		TargetKind:   cfg.targetKind,
		SupervisorID: cfg.supervisorID,
	}, http.StatusCreated); err != nil {
		return t, fmt.Errorf("start: %w", err)
	}
	t.start = time.Since(begin)

	started, err := awaitEvent(feed, readErr, cfg.cycleTimeout, func(e events.Event) bool {
		return e.Type == events.TypeSessionStarted && e.TargetID == target && e.SupervisorID == cfg.supervisorID
	})
	if err != nil {
		return t, fmt.Errorf("await session_started: %w", err)
	}
	t.feed = time.Since(begin)

	begin = time.Now()
	if err := postJSON(ctx, client, cfg, "/v1/monitoring/sessions/"+url.PathEscape(started.SessionID)+"/stop", nil, http.StatusOK); err != nil {
		return t, fmt.Errorf("stop: %w", err)
	}
	t.stop = time.Since(begin)
	return t, nil
}

func postJSON(ctx context.Context, client *http.Client, cfg options, path string, body any, wantStatus int) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header = cfg.authHeader()
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode != wantStatus {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

func feedURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/monitoring/events/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, feed chan<- events.Event, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.TypeSessionEvent {
			continue
		}
		var msg protocol.SessionEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		feed <- msg.Event
	}
}

func awaitEvent(feed <-chan events.Event, readErr <-chan error, timeout time.Duration, match func(events.Event) bool) (events.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case e := <-feed:
			if match(e) {
				return e, nil
			}
		case err := <-readErr:
			return events.Event{}, err
		case <-timer.C:
			return events.Event{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

type stageSummary struct {
	name          string
	p50, p95, max time.Duration
}

func summarize(name string, samples []time.Duration) stageSummary {
	if len(samples) == 0 {
		return stageSummary{name: name}
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	pick := func(q float64) time.Duration {
		idx := int(math.Ceil(q*float64(len(sorted)))) - 1
		return sorted[max(0, min(idx, len(sorted)-1))]
	}
	return stageSummary{name: name, p50: pick(0.50), p95: pick(0.95), max: sorted[len(sorted)-1]}
}

func printSummary(w io.Writer, timings []cycleTiming) {
	var starts, feeds, stops []time.Duration
	for _, t := range timings {
		starts = append(starts, t.start)
		feeds = append(feeds, t.feed)
		stops = append(stops, t.stop)
	}
	fmt.Fprintf(w, "perfmonitor: %d cycles\n", len(timings))
	for _, s := range []stageSummary{summarize("start", starts), summarize("start_to_feed", feeds), summarize("stop", stops)} {
		fmt.Fprintf(w, "  %-14s p50=%-10s p95=%-10s max=%s\n", s.name, s.p50.Round(time.Microsecond), s.p95.Round(time.Microsecond), s.max.Round(time.Microsecond))
	}
}
