// Command orca runs the analysis orchestration service: the HTTP submission
// API and the queue workers that drive tasks through plan, research, and
// report under the orchestrator's review.
//
// Configuration comes from the environment:
//
//	HTTP_ADDR              - API listen address (default: ":8080")
//	NODE_NAME              - queue consumer-group member name (default: hostname)
//	REDIS_URL              - Redis connection URL (default: "localhost:6379")
//	REDIS_PASSWORD         - Redis password (optional)
//	ORCHESTRATOR_API_KEY   - review model API key (optional; approves all when unset)
//	ORCHESTRATOR_BASE_URL  - review model endpoint (optional)
//	ORCHESTRATOR_MODEL     - review model name (default: "gpt-4o-mini")
//	FALLBACK_API_KEY/BASE_URL/MODEL - moderation fallback model (optional)
//	AGENT_QUERY_URL        - query engine endpoint (required)
//	AGENT_MEDIA_URL        - media engine endpoint (required)
//	AGENT_INSIGHT_URL      - insight engine endpoint (required)
//	AGENTS_CONFIG          - YAML file overriding agent endpoints (optional)
//	DEBUG                  - enable debug log toggling and pprof (optional)
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"

	"github.com/orcaresearch/orca/agents"
	"github.com/orcaresearch/orca/api"
	"github.com/orcaresearch/orca/blackboard"
	"github.com/orcaresearch/orca/clients/redisdb"
	"github.com/orcaresearch/orca/config"
	"github.com/orcaresearch/orca/engine"
	"github.com/orcaresearch/orca/judge"
	"github.com/orcaresearch/orca/querycache"
	"github.com/orcaresearch/orca/queue"
	"github.com/orcaresearch/orca/queue/pulseq"
	"github.com/orcaresearch/orca/report"
	"github.com/orcaresearch/orca/taskstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to Redis.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	db, err := redisdb.New(redisdb.Options{Redis: rdb})
	if err != nil {
		return err
	}

	// Core components.
	board, err := blackboard.New(db)
	if err != nil {
		return err
	}
	tasks, err := taskstore.New(db)
	if err != nil {
		return err
	}
	cache, err := querycache.New(db)
	if err != nil {
		return err
	}

	adapters := make(map[string]agents.Adapter, len(agents.All))
	for _, kind := range agents.All {
		httpAdapter, err := agents.NewHTTP(agents.HTTPOptions{Agent: kind, BaseURL: cfg.Agents[kind].BaseURL})
		if err != nil {
			return err
		}
		adapters[kind], err = agents.NewRetry(httpAdapter, agents.RetryOptions{
			Attempts: cfg.RetryAttempts,
			Backoff:  cfg.RetryBackoff,
		})
		if err != nil {
			return err
		}
	}

	var primary, fallback judge.ChatClient
	if cfg.Orchestrator.APIKey != "" {
		primary, err = judge.NewOpenAI(judge.OpenAIOptions{
			APIKey:  cfg.Orchestrator.APIKey,
			BaseURL: cfg.Orchestrator.BaseURL,
			Model:   cfg.Orchestrator.Name,
		})
		if err != nil {
			return err
		}
	} else {
		log.Warnf(ctx, "no review model configured, all reviews will approve")
	}
	if cfg.Fallback.APIKey != "" && cfg.Fallback.Name != "" {
		fallback, err = judge.NewOpenAI(judge.OpenAIOptions{
			APIKey:  cfg.Fallback.APIKey,
			BaseURL: cfg.Fallback.BaseURL,
			Model:   cfg.Fallback.Name,
		})
		if err != nil {
			return err
		}
	}
	jdg, err := judge.New(judge.Options{
		Board:    board,
		Primary:  primary,
		Fallback: fallback,
		Limiter:  rate.NewLimiter(rate.Limit(2), 4),
	})
	if err != nil {
		return err
	}

	meter := otel.Meter("orca")
	outcomes, err := meter.Int64Counter("orca.task.outcomes")
	if err != nil {
		return err
	}
	eng, err := engine.New(engine.Options{
		DB:       db,
		Board:    board,
		Tasks:    tasks,
		Cache:    cache,
		Adapters: adapters,
		Judge:    jdg,
		Renderer: report.NewComposer(),
		Tracer:   otel.Tracer("orca"),
		Outcomes: outcomes,
	})
	if err != nil {
		return err
	}

	// Queue workers.
	router := queue.NewRouter()
	eng.Register(router)
	workQueue, err := pulseq.New(pulseq.Options{Redis: rdb, Node: cfg.Node, Router: router})
	if err != nil {
		return err
	}
	eng.Bind(workQueue)
	if err := workQueue.Start(ctx); err != nil {
		return err
	}

	// HTTP surface.
	svc, err := api.New(api.Options{Submitter: eng, Tasks: tasks, Board: board, DB: db})
	if err != nil {
		return err
	}
	mux := goahttp.NewMuxer()
	if cfg.Debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	svc.Mount(mux)
	var handler http.Handler = mux
	if cfg.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", cfg.HTTPAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Printf(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "shutdown HTTP server")
	}
	workQueue.Close(shutdownCtx)
	return nil
}
