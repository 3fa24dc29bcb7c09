package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fablecastco/fablecast/internal/cache"
	"github.com/fablecastco/fablecast/internal/channel"
	"github.com/fablecastco/fablecast/internal/character"
	"github.com/fablecastco/fablecast/internal/chat"
	"github.com/fablecastco/fablecast/internal/config"
	"github.com/fablecastco/fablecast/internal/genclient"
	"github.com/fablecastco/fablecast/internal/memory"
	"github.com/fablecastco/fablecast/internal/stream"
)

// app bundles the wired collaborators behind the CLI commands.
type app struct {
	cfg   *config.Config
	store *memory.Store
	cards *character.Registry
	svc   *chat.Service
}

func newApp() (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Service.APIKey == "" {
		return nil, fmt.Errorf("API key not set. Run 'fablecast onboard' or set FABLECAST_API_KEY")
	}

	summarizer := memory.NewSummarizer(cfg.Memory.Summarizer, cfg.Service)
	store, err := memory.NewStore(cfg.Memory.DBPath, memory.Options{
		Bound:          cfg.Memory.Bound,
		PruneOnAppend:  cfg.Memory.PruneOnAppend,
		SalienceWeight: cfg.Memory.SalienceWeight,
		HalfLife:       time.Duration(cfg.Memory.HalfLifeHours) * time.Hour,
		Summarizer:     summarizer,
	})
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	cards := character.NewRegistry(cfg.Characters.Dir, time.Duration(cfg.Characters.CacheTTLSec)*time.Second)
	creds := genclient.StaticCredentials(cfg.Service.APIKey)
	client := genclient.NewClient(cfg.Service, creds, nil)
	streams := stream.NewDialer(cfg.Stream, cfg.Service, creds)
	responses := cache.New(cfg.Cache.Capacity, time.Duration(cfg.Cache.TTLSec)*time.Second)
	assembler := chat.NewAssembler(store, cards, cfg.Context.MaxTurns, cfg.Context.MaxPayloadBytes)

	svc := chat.NewService(chat.Options{
		Store:      store,
		Characters: cards,
		Client:     client,
		Streams:    streams,
		Cache:      responses,
		Assembler:  assembler,
		CacheTTL:   time.Duration(cfg.Cache.TTLSec) * time.Second,
	})

	return &app{cfg: cfg, store: store, cards: cards, svc: svc}, nil
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

var (
	messageFlag   string
	characterFlag string
	streamFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "fablecast",
	Short: "fablecast - resilient character chat client",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a character in single message or REPL mode",
	RunE:  runChat,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the long-lived service (channels + summarize schedule)",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and a sample character",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fablecast status",
	RunE:  runStatus,
}

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVarP(&characterFlag, "character", "c", "", "Character id to talk to")
	chatCmd.Flags().BoolVar(&streamFlag, "stream", false, "Stream the response incrementally")
	rootCmd.AddCommand(chatCmd, serveCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	characterID := characterFlag
	if characterID == "" {
		ids, err := a.cards.List()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return fmt.Errorf("no characters found. Run 'fablecast onboard' first")
		}
		characterID = ids[0]
	}

	convID, greeting, err := a.svc.StartConversation(characterID)
	if err != nil {
		return err
	}
	if greeting != "" {
		fmt.Println(greeting)
	}

	ctx := context.Background()

	if messageFlag != "" {
		return a.sendOne(ctx, convID, messageFlag, os.Stdout)
	}

	fmt.Printf("fablecast chat with %s (type 'exit' to quit)\n", characterID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if err := a.sendOne(ctx, convID, input, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	return nil
}

func (a *app) sendOne(ctx context.Context, convID, message string, out io.Writer) error {
	if streamFlag {
		session, cctx, err := a.svc.InteractStreaming(ctx, convID, message)
		if err != nil {
			return err
		}
		defer session.Close()

		var full strings.Builder
		for {
			chunk, err := session.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				// Keep what arrived; partial output is still a valid turn.
				fmt.Fprintln(out)
				if finishErr := a.svc.FinishStreaming(cctx, full.String()); finishErr != nil {
					return errors.Join(err, finishErr)
				}
				return err
			}
			fmt.Fprint(out, chunk.Text)
			full.WriteString(chunk.Text)
		}
		fmt.Fprintln(out)
		return a.svc.FinishStreaming(cctx, full.String())
	}

	reply, err := a.svc.Interact(ctx, convID, message)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, reply.Text)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := chat.NewScheduler(a.store, a.cfg.Memory.SummarizeCron)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	var tg *channel.TelegramChannel
	if a.cfg.Channels.Telegram.Enabled {
		tg, err = channel.NewTelegramChannel(a.cfg.Channels.Telegram, a.svc)
		if err != nil {
			return err
		}
		if err := tg.Start(ctx); err != nil {
			return err
		}
		defer tg.Stop()
	}

	fmt.Println("fablecast serving (ctrl-c to stop)")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nshutting down")
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	cards := character.NewRegistry(cfg.Characters.Dir, time.Minute)
	ids, err := cards.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		sample := character.Card{
			ID:           "aria",
			Name:         "Aria",
			SystemPrompt: "You are Aria, a warm and curious storyteller who remembers the people she talks to.",
			Greeting:     "Hello! I'm Aria. What shall we talk about today?",
			Params: genclient.GenerationParams{
				Model:       config.DefaultModel,
				Temperature: config.DefaultTemperature,
				MaxTokens:   config.DefaultMaxTokens,
			},
		}
		if err := cards.Save(sample); err != nil {
			return err
		}
		fmt.Printf("Created sample character: %s\n", sample.ID)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and base URL\n", cfgPath)
	fmt.Println("  2. Or set FABLECAST_API_KEY / FABLECAST_BASE_URL")
	fmt.Println("  3. Run 'fablecast chat -m \"Hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Service: %s\n", displayOr(cfg.Service.BaseURL, "not set"))
	if cfg.Service.APIKey != "" && len(cfg.Service.APIKey) > 8 {
		masked := cfg.Service.APIKey[:4] + "..." + cfg.Service.APIKey[len(cfg.Service.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Service.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Memory: bound=%d db=%s\n", cfg.Memory.Bound, cfg.Memory.DBPath)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	cards := character.NewRegistry(cfg.Characters.Dir, time.Minute)
	ids, err := cards.List()
	if err != nil {
		fmt.Printf("Characters: error (%v)\n", err)
	} else if len(ids) == 0 {
		fmt.Println("Characters: none (run 'fablecast onboard')")
	} else {
		fmt.Printf("Characters: %s\n", strings.Join(ids, ", "))
	}

	if _, err := os.Stat(cfg.Memory.DBPath); err == nil {
		store, err := memory.NewStore(cfg.Memory.DBPath, memory.Options{Bound: cfg.Memory.Bound})
		if err == nil {
			defer store.Close()
			if st, err := store.Stats(); err == nil {
				fmt.Printf("Store: %d characters, %d entries, %d summaries, %d conversations, %d turns\n",
					st.Characters, st.Entries, st.Summaries, st.Conversations, st.Turns)
			}
		}
	} else {
		fmt.Println("Store: empty")
	}
	return nil
}

func displayOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
