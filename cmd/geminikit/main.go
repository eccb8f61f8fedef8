// Command geminikit is a small CLI over the client library: one-shot
// generation, streaming, token counting and a live session REPL. It
// doubles as a smoke test for a configured environment.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"geminikit"
	"geminikit/genai"
	"geminikit/internal/monitoring/tracing"
	"geminikit/live"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	model := flag.String("model", "", "Model override")
	stream := flag.Bool("stream", false, "Stream the response over SSE")
	count := flag.Bool("count", false, "Count tokens instead of generating")
	liveMode := flag.Bool("live", false, "Open a live WebSocket session REPL")
	flag.Parse()

	client, err := geminikit.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	defer client.Close()

	traceShutdown, err := tracing.Init(context.Background())
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	if traceShutdown != nil {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.WithError(err).Warn("failed to shutdown tracing")
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var opts []geminikit.CallOption
	if *model != "" {
		opts = append(opts, geminikit.WithModel(*model))
	}

	if *liveMode {
		runLive(ctx, client, *model)
		return
	}

	prompt := flag.Arg(0)
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "usage: geminikit [flags] <prompt>")
		os.Exit(2)
	}
	req := &genai.GenerateContentRequest{
		Contents: []genai.Content{genai.UserContent(prompt)},
	}

	switch {
	case *count:
		out, err := client.CountTokens(ctx, &genai.CountTokensRequest{Contents: req.Contents}, opts...)
		if err != nil {
			log.WithError(err).Fatal("countTokens failed")
		}
		fmt.Println(out.TotalTokens)

	case *stream:
		s, err := client.StreamGenerateContent(ctx, req, opts...)
		if err != nil {
			log.WithError(err).Fatal("stream failed to start")
		}
		for ev := range s.Events {
			if ev.Err != nil {
				log.WithError(ev.Err).Fatal("stream failed")
			}
			if ev.Done {
				break
			}
			fmt.Print(ev.Response.Text())
		}
		fmt.Println()

	default:
		resp, err := client.GenerateContent(ctx, req, opts...)
		if err != nil {
			log.WithError(err).Fatal("generate failed")
		}
		fmt.Println(resp.Text())
	}
}

// runLive reads lines from stdin and prints model turns as they arrive.
func runLive(ctx context.Context, client *geminikit.Client, model string) {
	cfg := live.Config{Model: model}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}

	session, err := client.Live(cfg, live.Callbacks{
		OnContent: func(sc live.ServerContent) {
			if sc.ModelTurn != nil {
				for _, p := range sc.ModelTurn.Parts {
					fmt.Print(p.Text)
				}
			}
			if sc.TurnComplete {
				fmt.Println()
			}
		},
		OnGoAway: func(g live.GoAway) {
			log.WithField("time_left", g.TimeLeft).Warn("server is going away")
		},
	})
	if err != nil {
		log.WithError(err).Fatal("live session setup failed")
	}
	if err := session.Connect(ctx); err != nil {
		log.WithError(err).Fatal("live connect failed")
	}
	defer session.Close()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		turn := []genai.Content{genai.UserContent(line)}
		if err := session.SendClientContent(turn, true); err != nil {
			log.WithError(err).Error("send failed")
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
