// tradechat CLI - command line client for tradechat
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eldtechnologies/tradechat/clients/go/chat"
	"github.com/eldtechnologies/tradechat/internal/models"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("TRADECHAT_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := chat.NewClient(baseURL, os.Getenv("TRADECHAT_TOKEN"))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "rooms":
		resp, err := client.ListRooms(ctx, 50, 0)
		exitOnError(err)
		for _, room := range resp.Rooms {
			fmt.Printf("  %s  %s (%d msgs)\n", room.ID, roomLabel(room), room.MessageCount)
		}

	case "direct":
		requireArgs(3, "direct <user_id>")
		room, err := client.DirectRoom(ctx, os.Args[2])
		exitOnError(err)
		fmt.Printf("Room: %s\n", room.ID)

	case "market":
		requireArgs(5, "market <market_id> <buyer_id> <seller_id>")
		room, err := client.MarketRoom(ctx, models.MarketContext{
			MarketID: os.Args[2],
			BuyerID:  os.Args[3],
			SellerID: os.Args[4],
		})
		exitOnError(err)
		fmt.Printf("Room: %s\n", room.ID)

	case "read":
		requireArgs(3, "read <room_id> [cursor]")
		cursor := ""
		if len(os.Args) > 3 {
			cursor = os.Args[3]
		}
		page, err := client.ListMessages(ctx, os.Args[2], cursor, 20)
		exitOnError(err)
		for _, msg := range page.Items {
			printMessage(msg.CreatedAt, msg.AuthorID, msg.Content, "")
		}
		if page.HasMore && page.NextCursor != nil {
			fmt.Printf("-- older: tradechat read %s %s\n", os.Args[2], *page.NextCursor)
		}

	case "post":
		requireArgs(4, "post <room_id> <message>")
		msg, err := client.PostMessage(ctx, os.Args[2], os.Args[3], "")
		exitOnError(err)
		fmt.Printf("Posted: %s\n", msg.ID)

	case "search":
		requireArgs(4, "search <room_id> <query>")
		resp, err := client.Search(ctx, os.Args[2], os.Args[3], 20)
		exitOnError(err)
		for _, msg := range resp.Results {
			printMessage(msg.CreatedAt, msg.AuthorID, msg.Content, "")
		}

	case "who":
		requireArgs(3, "who <room_id>")
		online, err := client.Presence(ctx, os.Args[2])
		exitOnError(err)
		for _, m := range online {
			fmt.Printf("  %s (seen %s ago)\n", m.UserID, time.Since(m.LastSeen).Round(time.Second))
		}

	case "leave":
		requireArgs(3, "leave <room_id>")
		exitOnError(client.LeaveRoom(ctx, os.Args[2]))
		fmt.Println("Left room")

	case "chat":
		requireArgs(4, "chat <room_id> <your_user_id>")
		exitOnError(interactive(ctx, client, os.Args[2], os.Args[3]))

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// interactive opens a live room: stdin lines are sent, "/retry" resends
// failed messages, "/older" loads history.
func interactive(ctx context.Context, client *chat.Client, roomID, self string) error {
	room := chat.NewRoom(client, roomID, self)
	if err := room.Open(ctx); err != nil {
		return err
	}
	defer room.Close()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	printed := map[string]bool{}
	render := func() {
		snap := room.Snapshot()
		for _, e := range snap.Entries {
			key := e.ID
			if key == "" {
				key = e.CorrelationID + string(e.Status)
			}
			if printed[key] {
				continue
			}
			printed[key] = true
			status := ""
			if e.Pending() {
				status = " [" + string(e.Status) + "]"
			}
			printMessage(e.CreatedAt, e.AuthorID, e.Content, status)
		}
		if snap.StreamErr != nil {
			fmt.Fprintln(os.Stderr, "live updates stopped:", snap.StreamErr)
		}
	}
	render()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-room.Updates():
			render()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "":
			case "/older":
				if _, err := room.LoadOlder(ctx); err != nil {
					fmt.Fprintln(os.Stderr, "could not load older messages:", err)
				}
			case "/retry":
				for _, e := range room.Snapshot().Entries {
					if e.Status == chat.StatusFailed {
						if err := room.Retry(ctx, e.CorrelationID); err != nil {
							fmt.Fprintln(os.Stderr, "Error:", err)
						}
					}
				}
			default:
				if _, err := room.Send(ctx, line); err != nil {
					fmt.Fprintln(os.Stderr, "Error:", err)
				}
			}
		}
	}
}

func roomLabel(room models.Room) string {
	if room.Name != "" {
		return room.Name
	}
	if room.Market != nil {
		return "market " + room.Market.MarketID
	}
	ids := make([]string, 0, len(room.Members))
	for _, m := range room.Members {
		ids = append(ids, m.UserID)
	}
	return strings.Join(ids, ", ")
}

func printMessage(at time.Time, author, content, suffix string) {
	from := author
	if len(from) > 12 {
		from = from[:12]
	}
	fmt.Printf("[%s] %s: %s%s\n", at.Local().Format("2006-01-02 15:04:05"), from, content, suffix)
}

func usage() {
	fmt.Println(`tradechat CLI

Usage: tradechat <command> [options]

Commands:
  rooms                              List your rooms
  direct <user_id>                   Open the direct room with a user
  market <market> <buyer> <seller>   Open the room for a trade
  read <room> [cursor]               Read messages, newest page first
  post <room> <message>              Post a message
  search <room> <query>              Search a room
  who <room>                         Show who is online
  leave <room>                       Leave a room
  chat <room> <your_user_id>         Live chat (/older, /retry)
  health                             Check server health

Environment:
  TRADECHAT_URL     Server URL (default: http://localhost:8080)
  TRADECHAT_TOKEN   Bearer token (see cmd/token)`)
}

func requireArgs(n int, use string) {
	if len(os.Args) < n {
		fmt.Fprintln(os.Stderr, "Usage: tradechat "+use)
		os.Exit(1)
	}
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
