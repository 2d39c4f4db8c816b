// Command lance is a command-line client for a Lance server: topic lifecycle
// management, stdin-driven production, and a polling consumer.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	lance "github.com/nitecon/go-lance"
	"github.com/nitecon/go-lance/internal/metrics"
)

// Build metadata injected via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("lance %s (%s, %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.InitBuildInfo(version, commit, date)
	if cfg.metricsAddr != "" {
		srv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	err := run(ctx, cfg)
	stop()
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		l.Error("run_failed", "mode", cfg.mode, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appConfig) error {
	switch cfg.mode {
	case "produce":
		return runProduce(ctx, cfg)
	case "consume":
		return runConsume(ctx, cfg)
	}
	return runManagement(ctx, cfg)
}

func runManagement(ctx context.Context, cfg *appConfig) error {
	host, port, err := splitAddr(cfg.addr)
	if err != nil {
		return err
	}
	ccfg := lance.DefaultClientConfig().
		WithHost(host).
		WithPort(port).
		WithConnectTimeout(cfg.connectTimeout)
	ccfg.RequestTimeout = cfg.requestTimeout
	client, err := lance.DialClient(ctx, ccfg)
	if err != nil {
		return err
	}
	defer client.Close()

	switch cfg.mode {
	case "list-topics":
		topics, err := client.ListTopics(ctx)
		if err != nil {
			return err
		}
		return printJSON(topics)
	case "create-topic":
		var meta lance.TopicMetadata
		if cfg.maxAgeSecs > 0 || cfg.maxBytes > 0 {
			meta, err = client.CreateTopicWithRetention(ctx, cfg.topicName, cfg.maxAgeSecs, cfg.maxBytes)
		} else {
			meta, err = client.CreateTopic(ctx, cfg.topicName)
		}
		if err != nil {
			return err
		}
		return printJSON(meta)
	case "delete-topic":
		return client.DeleteTopic(ctx, uint32(cfg.topicID))
	case "get-topic":
		meta, err := client.GetTopic(ctx, uint32(cfg.topicID))
		if err != nil {
			return err
		}
		return printJSON(meta)
	case "set-retention":
		meta, err := client.SetRetention(ctx, uint32(cfg.topicID), cfg.maxAgeSecs, cfg.maxBytes)
		if err != nil {
			return err
		}
		return printJSON(meta)
	}
	return fmt.Errorf("unhandled mode %q", cfg.mode)
}

// runProduce sends each stdin line as one record and flushes on EOF.
func runProduce(ctx context.Context, cfg *appConfig) error {
	pcfg := lance.DefaultProducerConfig().
		WithCompression(cfg.compression).
		WithConnectTimeout(cfg.connectTimeout).
		WithRequestTimeout(cfg.requestTimeout)
	producer, err := lance.ConnectProducer(ctx, cfg.addr, pcfg)
	if err != nil {
		return err
	}
	defer producer.Close()

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		if _, err := producer.Send(ctx, uint32(cfg.topicID), line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return producer.Flush(cfg.requestTimeout)
}

// runConsume polls the topic until interrupted, printing record values and
// committing after each batch.
func runConsume(ctx context.Context, cfg *appConfig) error {
	ccfg := lance.DefaultConsumerConfig(cfg.consumerName, uint32(cfg.topicID)).
		WithOffsetDir(cfg.offsetDir)
	ccfg.ConnectTimeout = cfg.connectTimeout
	consumer, err := lance.ConnectConsumer(ctx, cfg.addr, ccfg)
	if err != nil {
		return err
	}
	defer consumer.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	for ctx.Err() == nil {
		result, err := consumer.Poll(ctx)
		if err != nil {
			if lance.Retryable(err) {
				continue
			}
			return err
		}
		if result == nil {
			select {
			case <-time.After(ccfg.PollInterval):
			case <-ctx.Done():
			}
			continue
		}
		for _, rec := range result.Records {
			_, _ = out.Write(rec.Value)
			_ = out.WriteByte('\n')
		}
		_ = out.Flush()
		if err := consumer.Commit(ctx); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 1992, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return host, port, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
