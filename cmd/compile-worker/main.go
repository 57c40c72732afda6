package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/compiler-explorer/compile-bridge/core/dispatch"
	"github.com/compiler-explorer/compile-bridge/core/infra/buildinfo"
	"github.com/compiler-explorer/compile-bridge/core/infra/bus"
	"github.com/compiler-explorer/compile-bridge/core/infra/config"
	"github.com/compiler-explorer/compile-bridge/core/routing"
	"github.com/compiler-explorer/compile-bridge/core/worker"
)

func main() {
	log.Println("compile worker starting...")
	buildinfo.Log("compile-worker")
	cfg := config.Load()

	queueName, err := resolveQueueName(cfg)
	if err != nil {
		log.Fatalf("resolve queue name: %v", err)
	}

	queue, err := bus.NewNatsQueue(cfg.NatsURL)
	if err != nil {
		log.Fatalf("connect nats: %v", err)
	}
	defer queue.Close()

	w, err := worker.New(worker.Config{
		WorkerID:   os.Getenv("WORKER_ID"),
		Queue:      queueName,
		GatewayURL: cfg.GatewayWSURL,
	}, queue, echoCompile)
	if err != nil {
		log.Fatalf("init worker: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := w.Run(ctx); err != nil {
		log.Fatalf("worker error: %v", err)
	}
}

// resolveQueueName picks the consume queue: COMPILE_QUEUE when set,
// otherwise the environment's default queue under the active color.
func resolveQueueName(cfg *config.Config) (string, error) {
	if name := strings.TrimSpace(os.Getenv("COMPILE_QUEUE")); name != "" {
		return name, nil
	}
	queues, err := config.LoadQueuesConfig(cfg.QueueConfigPath)
	if err != nil {
		return "", fmt.Errorf("load queue config: %w", err)
	}
	table, err := routing.NewRedisTable(cfg.RedisURL, cfg.ActiveColorKey)
	if err != nil {
		return "", fmt.Errorf("connect redis: %w", err)
	}
	defer table.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	color, err := table.ActiveColor(ctx)
	if err != nil || (color != config.ColorBlue && color != config.ColorGreen) {
		color = config.ColorBlue
	}
	return routing.QueueName(queues.DefaultQueue(cfg.EnvironmentName, color), color), nil
}

// echoCompile is the built-in compile function for local runs: it does no
// real compilation, just reflects the job back as a result so the full
// queue/gateway round trip can be exercised.
func echoCompile(_ context.Context, job *dispatch.CompileJob) (map[string]any, error) {
	lines := strings.Split(job.Source, "\n")
	asm := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		asm = append(asm, map[string]any{"text": "; " + line})
	}
	return map[string]any{
		"code":      0,
		"okToCache": false,
		"compiler":  job.CompilerID,
		"asm":       asm,
		"stdout":    []map[string]any{},
		"stderr":    []map[string]any{},
	}, nil
}
