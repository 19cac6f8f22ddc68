package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crewline/crewline/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(profile.SocketPath(name))

	switch args[0] {
	case "status":
		cmdStatus(c, *jsonFlag)
	case "snapshot":
		cmdGetJSON(c, "/v1/snapshot")
	case "queue":
		cmdQueue(c, *jsonFlag)
	case "crews":
		cmdCrews(c, *jsonFlag)
	case "send":
		if len(args) < 3 {
			fatalUsage("crewlinectl send <crew> <body>")
		}
		cmdSend(c, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "subscribe":
		if len(args) < 2 {
			fatalUsage("crewlinectl subscribe <crew>")
		}
		cmdPost(c, "/v1/crews/"+args[1]+"/subscribe", nil)
	case "unsubscribe":
		if len(args) < 2 {
			fatalUsage("crewlinectl unsubscribe <crew>")
		}
		cmdPost(c, "/v1/crews/"+args[1]+"/unsubscribe", nil)
	case "read":
		if len(args) < 3 {
			fatalUsage("crewlinectl read <crew> <message-id>")
		}
		cmdPost(c, "/v1/crews/"+args[1]+"/messages/"+args[2]+"/read", nil)
	case "edit":
		if len(args) < 4 {
			fatalUsage("crewlinectl edit <crew> <message-id> <body>")
		}
		cmdPost(c, "/v1/crews/"+args[1]+"/messages/"+args[2]+"/edit",
			map[string]string{"body": strings.Join(args[3:], " ")})
	case "delete":
		if len(args) < 3 {
			fatalUsage("crewlinectl delete <crew> <message-id>")
		}
		cmdPost(c, "/v1/crews/"+args[1]+"/messages/"+args[2]+"/delete", nil)
	case "pin", "unpin":
		if len(args) < 3 {
			fatalUsage("crewlinectl " + args[0] + " <crew> <message-id>")
		}
		cmdPost(c, "/v1/crews/"+args[1]+"/messages/"+args[2]+"/pin",
			map[string]bool{"pinned": args[0] == "pin"})
	case "announce":
		if len(args) < 3 {
			fatalUsage("crewlinectl announce <crew> <body>")
		}
		cmdPost(c, "/v1/crews/"+args[1]+"/safety/announcement",
			map[string]string{"body": strings.Join(args[2:], " ")})
	case "alert":
		if len(args) < 3 {
			fatalUsage("crewlinectl alert <crew> <body> [--location <loc>]")
		}
		body, location := splitLocation(args[2:])
		cmdPost(c, "/v1/crews/"+args[1]+"/safety/alert",
			map[string]string{"body": body, "location": location})
	case "checkin":
		if len(args) < 3 {
			fatalUsage("crewlinectl checkin <crew> <status>")
		}
		cmdPost(c, "/v1/crews/"+args[1]+"/safety/checkin",
			map[string]string{"status": strings.Join(args[2:], " ")})
	case "typing":
		if len(args) < 4 {
			fatalUsage("crewlinectl typing <crew> <member-id> <on|off>")
		}
		cmdPost(c, "/v1/crews/"+args[1]+"/typing",
			map[string]any{"member_id": args[2], "typing": args[3] == "on"})
	case "watch":
		cmdWatch(name)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: crewlinectl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                             Show daemon status")
	fmt.Fprintln(os.Stderr, "  snapshot                           Dump the session snapshot")
	fmt.Fprintln(os.Stderr, "  queue                              Show pending offline intents")
	fmt.Fprintln(os.Stderr, "  crews                              List locally known crews")
	fmt.Fprintln(os.Stderr, "  send <crew> <body>                 Send a message")
	fmt.Fprintln(os.Stderr, "  subscribe <crew>                   Start the crew message stream")
	fmt.Fprintln(os.Stderr, "  unsubscribe <crew>                 Stop the crew message stream")
	fmt.Fprintln(os.Stderr, "  read <crew> <msg>                  Mark a message read")
	fmt.Fprintln(os.Stderr, "  edit <crew> <msg> <body>           Edit a message")
	fmt.Fprintln(os.Stderr, "  delete <crew> <msg>                Delete a message")
	fmt.Fprintln(os.Stderr, "  pin|unpin <crew> <msg>             Pin or unpin a message")
	fmt.Fprintln(os.Stderr, "  announce <crew> <body>             Send a safety announcement")
	fmt.Fprintln(os.Stderr, "  alert <crew> <body>                Send an emergency alert")
	fmt.Fprintln(os.Stderr, "  checkin <crew> <status>            Send a safety check-in")
	fmt.Fprintln(os.Stderr, "  typing <crew> <member> <on|off>    Set a typing indicator")
	fmt.Fprintln(os.Stderr, "  watch                              Stream session snapshots")
}

func fatalUsage(usage string) {
	fmt.Fprintln(os.Stderr, "usage: "+usage)
	os.Exit(1)
}

func splitLocation(args []string) (body, location string) {
	for i, a := range args {
		if a == "--location" && i+1 < len(args) {
			return strings.Join(args[:i], " "), strings.Join(args[i+1:], " ")
		}
	}
	return strings.Join(args, " "), ""
}

func newClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 10 * time.Second,
	}
}

func cmdStatus(c *http.Client, jsonOut bool) {
	var out struct {
		Status   string `json:"status"`
		Profile  string `json:"profile"`
		UptimeMS int64  `json:"uptime_ms"`
	}
	get(c, "/healthz", &out)
	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("Profile: %s\n", out.Profile)
	fmt.Printf("Status:  %s\n", out.Status)
	fmt.Printf("Uptime:  %dms\n", out.UptimeMS)
}

func cmdQueue(c *http.Client, jsonOut bool) {
	var out struct {
		Queue []struct {
			ID         string    `json:"id"`
			CrewID     string    `json:"crew_id"`
			Action     string    `json:"action"`
			Emergency  bool      `json:"emergency"`
			CapturedAt time.Time `json:"captured_at"`
		} `json:"queue"`
	}
	get(c, "/v1/queue", &out)
	if jsonOut {
		outputJSON(out)
		return
	}
	if len(out.Queue) == 0 {
		fmt.Println("Queue empty.")
		return
	}
	for _, e := range out.Queue {
		marker := " "
		if e.Emergency {
			marker = "!"
		}
		fmt.Printf("%s %-24s %-12s %s\n", marker, e.Action, e.CrewID, e.CapturedAt.Format(time.RFC3339))
	}
}

func cmdCrews(c *http.Client, jsonOut bool) {
	var out struct {
		Crews []struct {
			CrewID             string `json:"crew_id"`
			Name               string `json:"name"`
			LastMessageAt      int64  `json:"last_message_at"`
			LastMessagePreview string `json:"last_message_preview"`
		} `json:"crews"`
	}
	get(c, "/v1/crews", &out)
	if jsonOut {
		outputJSON(out)
		return
	}
	if len(out.Crews) == 0 {
		fmt.Println("No crews cached.")
		return
	}
	for _, cr := range out.Crews {
		at := time.UnixMilli(cr.LastMessageAt).Format("Jan 02 15:04")
		fmt.Printf("%-16s %-20s %s  %s\n", cr.CrewID, cr.Name, at, cr.LastMessagePreview)
	}
}

func cmdSend(c *http.Client, crewID, body string, jsonOut bool) {
	var out struct {
		ClientMsgID string `json:"client_msg_id"`
		Status      string `json:"status"`
	}
	post(c, "/v1/crews/"+crewID+"/messages", map[string]string{"body": body}, &out)
	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("Queued %s (%s)\n", out.ClientMsgID, out.Status)
}

func cmdGetJSON(c *http.Client, path string) {
	var out json.RawMessage
	get(c, path, &out)
	var buf bytes.Buffer
	if err := json.Indent(&buf, out, "", "  "); err != nil {
		fmt.Println(string(out))
		return
	}
	fmt.Println(buf.String())
}

func cmdPost(c *http.Client, path string, body any) {
	var out json.RawMessage
	post(c, path, body, &out)
	fmt.Println(string(out))
}

// cmdWatch streams session snapshots over the daemon's WebSocket endpoint
// and prints one line per update.
func cmdWatch(profileName string) {
	socketPath := profile.SocketPath(profileName)
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	conn, resp, err := dialer.Dial("ws://daemon/v1/stream", nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fail(err)
	}
	defer func() { _ = conn.Close() }()

	for {
		var snap struct {
			Online    bool                         `json:"online"`
			Unread    map[string]int               `json:"unread"`
			Queue     []json.RawMessage            `json:"queue"`
			Typing    map[string][]string          `json:"typing"`
			Messages  map[string][]json.RawMessage `json:"messages"`
			UpdatedAt time.Time                    `json:"updated_at"`
		}
		if err := conn.ReadJSON(&snap); err != nil {
			fail(err)
		}
		total := 0
		for _, msgs := range snap.Messages {
			total += len(msgs)
		}
		state := "offline"
		if snap.Online {
			state = "online"
		}
		fmt.Printf("%s  %-7s  msgs=%d  queued=%d  typing=%d\n",
			snap.UpdatedAt.Format("15:04:05"), state, total, len(snap.Queue), len(snap.Typing))
	}
}

func get(c *http.Client, path string, out any) {
	resp, err := c.Get("http://daemon" + path)
	if err != nil {
		fail(fmt.Errorf("cannot reach daemon: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	decodeOrFail(resp, out)
}

func post(c *http.Client, path string, body, out any) {
	data, err := json.Marshal(body)
	if err != nil {
		fail(err)
	}
	resp, err := c.Post("http://daemon"+path, "application/json", bytes.NewReader(data))
	if err != nil {
		fail(fmt.Errorf("cannot reach daemon: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	decodeOrFail(resp, out)
}

func decodeOrFail(resp *http.Response, out any) {
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			fail(fmt.Errorf("%s", apiErr.Error))
		}
		fail(fmt.Errorf("daemon returned status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		fail(fmt.Errorf("decode response: %w", err))
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
