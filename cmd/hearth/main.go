// ABOUTME: Entry point for the hearth conversation daemon
// ABOUTME: Wires store, pool, coordinator, and service, and runs the maintenance loops

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/hearth/internal/agentpool"
	"github.com/2389/hearth/internal/config"
	"github.com/2389/hearth/internal/conversation"
	"github.com/2389/hearth/internal/coordinator"
	"github.com/2389/hearth/internal/lease"
	"github.com/2389/hearth/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                     _   _
| |__   ___  __ _ _ __| |_| |__
| '_ \ / _ \/ _' | '__| __| '_ \
| | | |  __/ (_| | |  | |_| | | |
|_| |_|\___|\__,_|_|   \__|_| |_|
`

// getConfigPath returns the path to the hearth config file.
// Priority: HEARTH_CONFIG env var > XDG_CONFIG_HOME/hearth/hearth.yaml > ~/.config/hearth/hearth.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HEARTH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hearth.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "hearth", "hearth.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: hearth <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Run the daemon (recovery sweep + idle eviction)")
		fmt.Println("  send [-c ID] <message>     Send a message and print the agent's answer")
		fmt.Println("  history <conversation-id>  Print a conversation's messages")
		fmt.Println("  conversations              List conversations")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "history":
		err = runHistory(ctx, os.Args[2:])
	case "conversations":
		err = runConversations(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the wired components shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.SQLiteStore
	pool   *agentpool.Pool
	coord  *coordinator.Coordinator
	svc    *conversation.Service
}

func buildApp() (*app, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	pool := agentpool.New(agentpool.Config{
		Binary:          cfg.Agents.Binary,
		DefaultProvider: cfg.Agents.DefaultProvider,
		DefaultModel:    cfg.Agents.DefaultModel,
		CallTimeout:     cfg.Agents.CallTimeout,
		StartupGrace:    cfg.Agents.StartupGrace,
		ResetTimeout:    cfg.Pool.ResetTimeout,
	}, logger)

	coord := coordinator.New(st, lease.New(st, logger), coordinator.Config{
		StaleThreshold: cfg.Conversations.StaleThreshold,
		LeaseDuration:  cfg.Lease.Duration,
	}, logger)

	svc := conversation.New(st, pool, coord, nil, logger)

	return &app{cfg: cfg, logger: logger, store: st, pool: pool, coord: coord, svc: svc}, nil
}

func (a *app) close() {
	a.svc.Close()
	a.pool.StopAll()
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing store", "error", err)
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", getConfigPath())
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", a.cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n\n", a.cfg.Agents.Binary)

	a.logger.Info("hearth started",
		"sweep_interval", a.cfg.Conversations.SweepInterval,
		"idle_threshold", a.cfg.Pool.IdleThreshold)

	g, ctx := errgroup.WithContext(ctx)

	// Recovery sweep: reclaim conversations whose execution units died.
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Conversations.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if _, err := a.coord.RecoverStale(ctx); err != nil {
					a.logger.Error("recovery sweep failed", "error", err)
				}
			}
		}
	})

	// Idle eviction: stop warm agents nobody is using.
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Pool.IdleThreshold / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				a.pool.StopIdle(a.cfg.Pool.IdleThreshold)
			}
		}
	})

	err = g.Wait()
	a.logger.Info("hearth shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	conversationID := fs.String("c", "", "conversation ID (empty starts a new conversation)")
	provider := fs.String("provider", "", "provider override")
	model := fs.String("model", "", "model override")
	tools := fs.String("tools", "", "toolset descriptor (empty disables tools)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("send requires a message")
	}
	content := fs.Arg(0)

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.svc.Send(ctx, &conversation.SendRequest{
		ConversationID: *conversationID,
		Content:        content,
		Provider:       *provider,
		Model:          *model,
		Tools:          *tools,
	})
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	gray.Printf("conversation: %s\n", result.ConversationID)
	if result.Queued {
		gray.Println("queued behind the active turn, waiting...")
	}

	answer, err := waitForAnswer(ctx, a, result)
	if err != nil {
		return err
	}
	if answer.Status == store.StatusError {
		color.New(color.FgRed).Printf("turn failed: %s\n", answer.Content)
		return nil
	}
	fmt.Println(answer.Content)
	return nil
}

// waitForAnswer polls the store until the turn's assistant message reaches a
// terminal status. Polling rather than subscribing keeps this correct even
// when another process executes the turn.
func waitForAnswer(ctx context.Context, a *app, result *conversation.SendResult) (*store.Message, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	assistantID := result.AssistantMessageID
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		// A queued turn has no placeholder until promotion; find it once the
		// user message is accepted.
		if assistantID == "" {
			user, err := a.store.GetMessage(ctx, result.UserMessageID)
			if err != nil {
				return nil, err
			}
			if user.Status != store.StatusDone {
				continue
			}
			messages, err := a.store.ListMessages(ctx, result.ConversationID, 0)
			if err != nil {
				return nil, err
			}
			for i := len(messages) - 1; i >= 0; i-- {
				if messages[i].Role == store.RoleAssistant {
					assistantID = messages[i].ID
					break
				}
			}
			continue
		}

		msg, err := a.store.GetMessage(ctx, assistantID)
		if err != nil {
			return nil, err
		}
		if msg.Status == store.StatusDone || msg.Status == store.StatusError {
			return msg, nil
		}
	}
}

func runHistory(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("history requires a conversation ID")
	}

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	messages, err := a.svc.History(ctx, args[0], 0)
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	for _, msg := range messages {
		gray.Printf("[%s] %s (%s)\n", msg.CreatedAt.Local().Format("15:04:05"), msg.Role, msg.Status)
		fmt.Println(msg.Content)
		fmt.Println()
	}
	return nil
}

func runConversations(ctx context.Context) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	convs, err := a.svc.Conversations(ctx, 50)
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	for _, conv := range convs {
		state := "idle"
		if conv.Processing {
			state = "running"
		}
		fmt.Printf("%s  ", conv.ID)
		gray.Printf("%s  updated %s\n", state, conv.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}
