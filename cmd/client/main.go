// Command client is a terminal client for the linechat server. Lines typed on
// stdin are sent to the chat; frames from other clients are printed to stdout.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Tyrowin/linechat/internal/client"
	"github.com/Tyrowin/linechat/internal/config"
)

func main() {
	_ = godotenv.Load()
	cfg := config.NewConfigFromEnv()

	addr := flag.String("addr", defaultAddr(cfg.Server.Addr), "chat server address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if err := run(*addr, cfg.Server.QuitToken, logger); err != nil {
		fmt.Fprintln(os.Stderr, "client:", err)
		os.Exit(1)
	}
}

func defaultAddr(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "127.0.0.1" + listen
	}
	return listen
}

func run(addr, quitToken string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, addr,
		client.WithQuitToken(quitToken),
		client.WithLogger(logger),
		client.WithOnMessage(func(line string) { fmt.Println(line) }),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := c.Send(scanner.Text()); err != nil {
				break
			}
		}
		// Stdin closed or the user quit; either way the session is over.
		_ = c.Close()
	}()

	return c.Run(ctx)
}
