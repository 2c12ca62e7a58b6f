package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/JordyKingz/yala-svm-monitor/pkg/config"
	"github.com/JordyKingz/yala-svm-monitor/pkg/dispatch"
	"github.com/JordyKingz/yala-svm-monitor/pkg/extract"
	"github.com/JordyKingz/yala-svm-monitor/pkg/monitor"
	"github.com/JordyKingz/yala-svm-monitor/pkg/rpc"
	"github.com/JordyKingz/yala-svm-monitor/pkg/slog"
	"github.com/JordyKingz/yala-svm-monitor/pkg/storage"
)

func main() {
	app := &cli.App{
		Name:  "svm-monitor",
		Usage: "filter-driven transaction monitor for Solana ledgers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "comma-separated JSON-RPC endpoint URLs, tried in order",
				EnvVars: []string{"SOLANA_RPC_URL"},
			},
			&cli.StringFlag{
				Name:  "config-dir",
				Usage: "directory holding monitors/, alerts/ and optimization json",
				Value: "config",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "directory for collections, checkpoint and skipped-slot state",
				Value: "data",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "optional rotating log file",
			},
			&cli.StringFlag{
				Name:  "listen-address",
				Usage: "prometheus metrics listen address (live mode)",
				Value: ":8080",
			},
		},
		Action: runLive,
		Commands: []*cli.Command{
			{
				Name:      "monitor",
				Usage:     "replay an explicit slot list without checkpoint updates",
				ArgsUsage: "<slots>",
				Action:    runReplay,
			},
			{
				Name:      "test",
				Usage:     "run the filters over a single slot and print matches without dispatching",
				ArgsUsage: "<slot>",
				Action:    runTest,
			},
			{
				Name:      "generate-config",
				Usage:     "write an example monitor catalog",
				ArgsUsage: "<path>",
				Action:    runGenerateConfig,
			},
			{
				Name:   "telegram-setup",
				Usage:  "print the telegram credential checklist",
				Action: runTelegramSetup,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitErr.ExitCode())
		}
		slog.Get().Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

// engine bundles everything a subcommand needs, with a teardown in reverse
// construction order.
type engine struct {
	cfg     *config.Manager
	store   *storage.Store
	queue   *dispatch.Queue
	monitor *monitor.Monitor
}

func (e *engine) close() {
	e.queue.Close()
	//goland:noinspection GoUnhandledErrorResult
	e.store.Close()
}

func buildEngine(c *cli.Context) (*engine, error) {
	slog.InitWithFile(c.String("log-file"))
	logger := slog.Get()

	rawEndpoints := c.String("rpc-url")
	if rawEndpoints == "" {
		return nil, cli.Exit("an rpc endpoint is required (--rpc-url or SOLANA_RPC_URL)", 2)
	}
	var endpoints []string
	for _, endpoint := range strings.Split(rawEndpoints, ",") {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			endpoints = append(endpoints, endpoint)
		}
	}

	client, err := rpc.NewFailoverClient(endpoints)
	if err != nil {
		return nil, err
	}

	cfg := config.NewManager(c.String("config-dir"))
	if err := cfg.Load(); err != nil {
		// per-file failures never stop the engine; the rest of the catalog runs
		logger.Errorf("config: %v", err)
	}

	store, err := storage.Open(c.String("data-dir"))
	if err != nil {
		return nil, err
	}

	queue := dispatch.NewQueue(dispatch.LogSender{Logger: logger})
	dispatcher := dispatch.NewDispatcher(store, queue)

	resolver, err := extract.NewCachedResolver(client)
	if err != nil {
		//goland:noinspection GoUnhandledErrorResult
		store.Close()
		return nil, err
	}
	extractor := extract.NewExtractor(resolver)

	opts := monitor.DefaultOptions()
	if ruleset := cfg.Current(); ruleset != nil && ruleset.MaxConcurrentSlots > 0 {
		opts.Parallelism = ruleset.MaxConcurrentSlots
	}
	if raw := os.Getenv("MAX_CONCURRENT_SLOTS"); raw != "" {
		parallelism, err := strconv.Atoi(raw)
		if err != nil || parallelism <= 0 {
			return nil, cli.Exit(fmt.Sprintf("invalid MAX_CONCURRENT_SLOTS %q", raw), 2)
		}
		opts.Parallelism = parallelism
	}
	if raw := os.Getenv("START_SLOT"); raw != "" {
		startSlot, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("invalid START_SLOT %q", raw), 2)
		}
		opts.StartSlot = startSlot
	}

	return &engine{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		monitor: monitor.New(client, cfg, store, dispatcher, extractor, c.String("data-dir"), opts),
	}, nil
}

func runLive(c *cli.Context) error {
	if c.Args().Len() > 0 {
		return cli.Exit(fmt.Sprintf("unknown command %q", c.Args().First()), 2)
	}
	e, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer e.close()
	logger := slog.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := e.cfg.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("config watcher stopped: %v", err)
		}
	}()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Infof("metrics listening on %s", c.String("listen-address"))
		if err := http.ListenAndServe(c.String("listen-address"), nil); err != nil {
			logger.Errorf("metrics server: %v", err)
		}
	}()

	// replay the designated slot up front when investigating a known incident
	if raw := os.Getenv("HACK_SLOT"); raw != "" {
		hackSlot, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return cli.Exit(fmt.Sprintf("invalid HACK_SLOT %q", raw), 2)
		}
		if err := e.monitor.Replay(ctx, []uint64{hackSlot}); err != nil {
			logger.Errorf("hack slot replay: %v", err)
		}
	}

	return e.monitor.Run(ctx)
}

func runReplay(c *cli.Context) error {
	if c.Args().Len() == 0 {
		return cli.Exit("monitor requires a slot list", 2)
	}
	slots, err := parseSlotList(strings.Join(c.Args().Slice(), ","))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	e, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return e.monitor.Replay(ctx, slots)
}

func runTest(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return cli.Exit("test requires exactly one slot", 2)
	}
	slot, err := strconv.ParseUint(c.Args().First(), 10, 64)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid slot %q", c.Args().First()), 2)
	}
	e, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	matches, err := e.monitor.TestSlot(ctx, slot)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Printf("slot %d: no matches\n", slot)
		return nil
	}
	for _, match := range matches {
		fmt.Printf("slot %d: monitor=%s severity=%s signature=%s conditions=%v\n",
			slot, match.MonitorID, match.Severity, match.Tx.Signature, match.FiredConditions)
	}
	return nil
}

// parseSlotList accepts "1,2,3" or a JSON array "[1,2,3]".
func parseSlotList(raw string) ([]uint64, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	var slots []uint64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		slot, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid slot %q", part)
		}
		slots = append(slots, slot)
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("empty slot list")
	}
	return slots, nil
}

func runTelegramSetup(*cli.Context) error {
	fmt.Print(`Telegram alert channel setup:

  1. Create a bot with @BotFather and note the token.
  2. Add the bot to your alert chat or channel.
  3. Send a message in the chat, then call
     https://api.telegram.org/bot<token>/getUpdates to read the chat id.
  4. Export the credentials:
       export TELEGRAM_BOT_TOKEN=<token>
       export TELEGRAM_CHAT_ID=<chat id>
  5. Reference channel "telegram" in your alert templates.
`)
	return nil
}
