package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/focusdeck/chat-relay/internal/chat"
	"github.com/focusdeck/chat-relay/internal/config"
	"github.com/focusdeck/chat-relay/internal/logging"
	"github.com/focusdeck/chat-relay/pkg/streamclient"
)

func main() {
	_ = godotenv.Load()

	var (
		endpoint    = flag.String("endpoint", "", "relay stream endpoint (default http://localhost<listen_addr>/v1/chat/stream)")
		model       = flag.String("model", "", "model override")
		temperature = flag.Float64("temperature", -1, "sampling temperature override")
		system      = flag.String("system", "", "optional system prompt")
		interactive = flag.Bool("i", false, "interactive mode: read prompts from stdin")
	)
	flag.Parse()

	cfg, err := config.LoadRelayConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logger, logCloser, err := logging.New("[relay] ", cfg.LogFileCLI, false)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	target := strings.TrimSpace(*endpoint)
	if target == "" {
		addr := cfg.ListenAddr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		target = "http://" + addr + "/v1/chat/stream"
	}

	client := streamclient.New(target)

	// SIGINT aborts the in-flight stream rather than killing the process
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT)
	go func() {
		for range sigs {
			if client.IsStreaming() {
				client.Cancel()
				fmt.Fprintln(os.Stderr)
			} else {
				os.Exit(0)
			}
		}
	}()

	var history []chat.Message
	if strings.TrimSpace(*system) != "" {
		history = append(history, chat.Message{Role: chat.RoleSystem, Content: *system})
	}

	if !*interactive {
		prompt := strings.TrimSpace(strings.Join(flag.Args(), " "))
		if prompt == "" {
			fmt.Fprintln(os.Stderr, "usage: relay [flags] <prompt>   (or relay -i)")
			os.Exit(2)
		}
		history = append(history, chat.Message{Role: chat.RoleUser, Content: prompt})
		if _, err := stream(client, logger, history, *model, *temperature); err != nil {
			if errors.Is(err, context.Canceled) {
				os.Exit(130)
			}
			logger.Fatalf("stream failed: %v", err)
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		history = append(history, chat.Message{Role: chat.RoleUser, Content: prompt})
		reply, err := stream(client, logger, history, *model, *temperature)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// drop the canceled turn from history
				history = history[:len(history)-1]
				continue
			}
			logger.Printf("stream failed: %v", err)
			history = history[:len(history)-1]
			continue
		}
		history = append(history, chat.Message{Role: chat.RoleAssistant, Content: reply})
	}
}

func stream(client *streamclient.Client, logger *log.Logger, messages []chat.Message, model string, temperature float64) (string, error) {
	req := streamclient.Request{Messages: messages, Model: model}
	if temperature >= 0 {
		req.Temperature = &temperature
	}
	full, err := client.Send(context.Background(), req, streamclient.Callbacks{
		OnToken: func(token string) { fmt.Print(token) },
		OnDone:  func(string) { fmt.Println() },
	})
	if err != nil {
		return full, err
	}
	logger.Printf("stream complete chars=%d", len(full))
	return full, nil
}
