// Package main provides agentdeckctl, a debug client for the agentdeck
// daemon: watch the notification stream, list supervised sessions, and
// answer queued interruptions from the terminal.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/rchen9527/agentdeck/internal/protocol"
)

const version = "0.1.0"

var (
	serverAddr    string
	watchInstance string
	replyResponse string
	replyAnswers  []string
)

// wsURL converts the daemon's HTTP address into its WebSocket endpoint.
func wsURL(addr string) string {
	u := strings.TrimRight(addr, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

func apiGet(path string, out interface{}) error {
	resp, err := http.Get(strings.TrimRight(serverAddr, "/") + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func apiPost(path string, payload interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	resp, err := http.Post(strings.TrimRight(serverAddr, "/")+path, "application/json", reqBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// runWatch subscribes over WebSocket and prints every notification
// until interrupted.
func runWatch(cmd *cobra.Command, args []string) error {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(serverAddr), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	hello := protocol.HelloMessage{
		BaseMessage: protocol.BaseMessage{
			Type:       protocol.TypeHello,
			Ts:         time.Now().UnixMilli(),
			InstanceID: watchInstance,
		},
		ClientMeta: map[string]string{"client": "agentdeckctl"},
	}
	if err := conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	// Wait for hello_ack
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read hello_ack: %w", err)
	}
	var ack protocol.HelloAckMessage
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("unmarshal hello_ack: %w", err)
	}
	if ack.Type == protocol.TypeError {
		var errMsg protocol.ErrorMessage
		json.Unmarshal(data, &errMsg)
		return fmt.Errorf("hello failed: %s - %s", errMsg.Code, errMsg.Message)
	}
	if ack.Type != protocol.TypeHelloAck {
		return fmt.Errorf("expected hello_ack, got: %s", ack.Type)
	}

	if watchInstance != "" {
		fmt.Printf("Watching instance %s (connection %s). Ctrl+C to stop.\n", watchInstance, ack.ConnectionID)
	} else {
		fmt.Printf("Watching all instances (connection %s). Ctrl+C to stop.\n", ack.ConnectionID)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("Read error: %v", err)
				}
				return
			}

			var note protocol.NotificationMessage
			if err := json.Unmarshal(data, &note); err != nil {
				log.Printf("Unmarshal error: %v", err)
				continue
			}
			if note.Type != protocol.TypeNotification {
				formatted, _ := json.MarshalIndent(json.RawMessage(data), "", "  ")
				fmt.Printf("\n[%s] Received:\n%s\n", note.Type, string(formatted))
				continue
			}

			line := fmt.Sprintf("[%s] %-10s instance=%s",
				time.UnixMilli(note.Ts).Format("15:04:05.000"), note.Scope, note.InstanceID)
			if note.SessionID != "" {
				line += " session=" + note.SessionID
			}
			if note.MessageID != "" {
				line += " message=" + note.MessageID
			}
			if note.Detail != "" {
				line += " " + note.Detail
			}
			fmt.Println(line)
		}
	}()

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-interrupt:
		fmt.Println("\nStopping")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	case <-done:
	}
	return nil
}

// runSessions lists sessions for one instance, or for every connected
// instance when no argument is given.
func runSessions(cmd *cobra.Command, args []string) error {
	var instances []string
	if len(args) == 1 {
		instances = args
	} else {
		var resp struct {
			Instances []struct {
				ID      string `json:"id"`
				BaseURL string `json:"base_url"`
				Status  string `json:"status"`
			} `json:"instances"`
		}
		if err := apiGet("/v1/instances", &resp); err != nil {
			return err
		}
		if len(resp.Instances) == 0 {
			fmt.Println("No instances connected.")
			return nil
		}
		for _, inst := range resp.Instances {
			fmt.Printf("%s  %s  [%s]\n", inst.ID, inst.BaseURL, inst.Status)
			instances = append(instances, inst.ID)
		}
	}

	for _, instanceID := range instances {
		var resp struct {
			Sessions []struct {
				ID      string `json:"id"`
				Title   string `json:"title"`
				Pending int    `json:"pending_interruptions"`
			} `json:"sessions"`
		}
		if err := apiGet("/v1/instances/"+instanceID+"/sessions", &resp); err != nil {
			fmt.Printf("  %s: %v\n", instanceID, err)
			continue
		}
		if len(resp.Sessions) == 0 {
			fmt.Printf("  %s: no sessions\n", instanceID)
			continue
		}
		for _, sess := range resp.Sessions {
			marker := " "
			if sess.Pending > 0 {
				marker = "!"
			}
			title := sess.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("  %s %s  %s\n", marker, sess.ID, title)
		}
	}
	return nil
}

// runReply answers one queued interruption through the REST API.
func runReply(cmd *cobra.Command, args []string) error {
	instanceID, kind, requestID := args[0], args[1], args[2]

	switch kind {
	case protocol.ReplyKindPermission:
		if replyResponse == "" {
			return fmt.Errorf("--response is required for permission replies (once|always|reject)")
		}
		path := fmt.Sprintf("/v1/instances/%s/permissions/%s/reply", instanceID, requestID)
		if err := apiPost(path, map[string]string{"response": replyResponse}); err != nil {
			return err
		}
	case protocol.ReplyKindQuestion:
		if replyResponse == "reject" {
			path := fmt.Sprintf("/v1/instances/%s/questions/%s/reject", instanceID, requestID)
			if err := apiPost(path, nil); err != nil {
				return err
			}
		} else {
			if len(replyAnswers) == 0 {
				return fmt.Errorf("--answer is required for question replies (repeat for multiple answers)")
			}
			path := fmt.Sprintf("/v1/instances/%s/questions/%s/reply", instanceID, requestID)
			if err := apiPost(path, map[string][]string{"answers": replyAnswers}); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown kind %q (want permission or question)", kind)
	}

	fmt.Printf("Replied to %s %s\n", kind, requestID)
	return nil
}

func main() {
	root := &cobra.Command{
		Use:     "agentdeckctl",
		Short:   "Debug client for the agentdeck daemon",
		Long:    "agentdeckctl talks to a running agentdeck daemon: stream notifications,\nlist supervised sessions, and answer queued permissions and questions.",
		Version: version,
	}
	root.PersistentFlags().StringVar(&serverAddr, "addr", "http://localhost:8080", "Daemon address")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream notifications from the daemon",
		Long:  "Subscribe to the daemon's WebSocket push channel and print every\nnotification as it arrives.\n\nExamples:\n  - agentdeckctl watch\n  - agentdeckctl watch --instance inst_a1b2c3d4",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVarP(&watchInstance, "instance", "i", "", "Only watch this instance")
	root.AddCommand(watchCmd)

	sessionsCmd := &cobra.Command{
		Use:   "sessions [instance_id]",
		Short: "List supervised sessions",
		Long:  "List sessions for one instance, or for every connected instance.\nSessions with pending interruptions are marked with '!'.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSessions,
	}
	root.AddCommand(sessionsCmd)

	replyCmd := &cobra.Command{
		Use:   "reply <instance_id> <permission|question> <request_id>",
		Short: "Answer a queued interruption",
		Long:  "Answer a queued permission or question.\n\nExamples:\n  - agentdeckctl reply inst_a1b2c3d4 permission perm_1 --response once\n  - agentdeckctl reply inst_a1b2c3d4 question quest_1 --answer yes\n  - agentdeckctl reply inst_a1b2c3d4 question quest_1 --response reject",
		Args:  cobra.ExactArgs(3),
		RunE:  runReply,
	}
	replyCmd.Flags().StringVarP(&replyResponse, "response", "r", "", "Permission response: once|always|reject (or reject for questions)")
	replyCmd.Flags().StringSliceVarP(&replyAnswers, "answer", "a", nil, "Question answer, repeatable")
	root.AddCommand(replyCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
