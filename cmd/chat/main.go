package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-relay.git/internal/client"
	"github.com/pelusa-v/pelusa-relay.git/internal/client/store"
)

func main() {
	var (
		url      string
		username string
		cacheDir string
		verbose  bool
	)

	root := &cobra.Command{
		Use:   "chat",
		Short: "Terminal chat client for the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zap.NewNop()
			if verbose {
				var err error
				if log, err = zap.NewDevelopment(); err != nil {
					return err
				}
			}

			engine := client.New(client.Config{
				Logger:    log,
				UserCache: client.NewFileUserCache(cacheDir),
			})
			defer engine.Close()

			engine.Connect(url)
			if engine.CurrentUser() == nil && username != "" {
				engine.Register(username)
			}
			engine.SetActiveConversation(store.GroupConversationID)

			go printLoop(engine)

			fmt.Println("type a message and press enter (/quit to exit)")
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" {
					engine.Disconnect()
					return nil
				}
				engine.SendChatMessage(engine.ActiveConversationID(), line)
			}
			return scanner.Err()
		},
	}

	root.Flags().StringVar(&url, "url", "ws://127.0.0.1:3000/ws", "relay websocket url")
	root.Flags().StringVar(&username, "username", "", "username to register on connect")
	root.Flags().StringVar(&cacheDir, "cache-dir", defaultCacheDir(), "directory for the persisted identity")
	root.Flags().BoolVar(&verbose, "verbose", false, "log engine activity")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultCacheDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return dir + "/pelusa-chat"
}

// printLoop polls the active conversation and echoes anything new. Polling
// keeps the binary trivial; a real UI would subscribe instead.
func printLoop(engine *client.Engine) {
	seen := map[string]bool{}
	lastErr := ""
	for {
		time.Sleep(300 * time.Millisecond)
		active := engine.ActiveConversationID()
		for _, msg := range engine.ConversationMessages(active) {
			if seen[msg.StoreID] {
				continue
			}
			seen[msg.StoreID] = true
			marker := ""
			if msg.Optimistic {
				marker = " (sending)"
			}
			fmt.Printf("[%d] %s%s\n", msg.SenderID, msg.Text, marker)
		}
		if info := engine.ConnectionInfo(); info.Err != lastErr {
			lastErr = info.Err
			if lastErr != "" {
				fmt.Fprintf(os.Stderr, "connection: %s\n", lastErr)
			}
		}
	}
}
