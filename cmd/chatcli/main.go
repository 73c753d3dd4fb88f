package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSMessage is the UI frame envelope of the gateway
type WSMessage struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

type message struct {
	ID          uint64 `json:"id"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	Status      string `json:"status"`
	Translation *struct {
		TargetLanguage string `json:"targetLanguage"`
		Text           string `json:"text"`
	} `json:"translation"`
}

type snapshot struct {
	SessionID   string    `json:"sessionId"`
	CharacterID string    `json:"characterId"`
	Mode        string    `json:"mode"`
	Transport   string    `json:"transport"`
	Messages    []message `json:"messages"`
	Options     []string  `json:"options"`
}

type client struct {
	baseURL   string
	sessionID string
	http      *http.Client

	mu      sync.Mutex
	options []string
}

func main() {
	serverPtr := flag.String("server", "http://localhost:8081", "Gateway base URL")
	namePtr := flag.String("name", "Aria", "Character name")
	rolePtr := flag.String("role", "Starship Guide", "Character role")
	personalityPtr := flag.String("personality", "", "Character personality")
	backstoryPtr := flag.String("backstory", "", "Character backstory")
	helpPtr := flag.Bool("help", false, "Show usage information")
	flag.Parse()

	if *helpPtr {
		printUsage()
		os.Exit(0)
	}

	c := &client{baseURL: strings.TrimRight(*serverPtr, "/"), http: &http.Client{Timeout: 90 * time.Second}}

	var snap snapshot
	err := c.call(http.MethodPost, "/api/v1/sessions", map[string]any{
		"character": map[string]string{
			"name":        *namePtr,
			"role":        *rolePtr,
			"personality": *personalityPtr,
			"backstory":   *backstoryPtr,
		},
	}, &snap)
	if err != nil {
		log.Fatalf("Error creating session: %v", err)
	}
	c.sessionID = snap.SessionID
	fmt.Printf("Session %s with %s (%s transport)\n", snap.SessionID, snap.CharacterID, snap.Transport)
	defer c.call(http.MethodDelete, "/api/v1/sessions/"+c.sessionID, nil, nil)

	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/sessions/" + c.sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatalf("Error connecting to WebSocket: %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var frame WSMessage
			if err := conn.ReadJSON(&frame); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("WebSocket read error: %v", err)
				}
				return
			}
			c.render(frame)
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if err := conn.WriteJSON(WSMessage{Type: "ping"}); err != nil {
				log.Printf("Error writing ping: %v", err)
				return
			}
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.handleLine(conn, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func printUsage() {
	fmt.Println("Chat CLI Usage:")
	fmt.Println("  -server URL        Gateway base URL")
	fmt.Println("  -name / -role      Character to talk to")
	fmt.Println("Commands inside the chat:")
	fmt.Println("  /mode freeform|branching   Switch interaction mode")
	fmt.Println("  /option N                  Pick branching option N")
	fmt.Println("  /translate ID [language]   Translate a message")
	fmt.Println("  /regen ID                  Regenerate an npc message")
	fmt.Println("  /retry                     Re-send the last failed message")
	fmt.Println("  /clear                     Clear the conversation")
	fmt.Println("  /export FILE               Save the conversation as JSON")
	fmt.Println("  /quit                      Leave")
}

// handleLine runs one input line; it reports whether the user wants to quit
func (c *client) handleLine(conn *websocket.Conn, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := writeFrame(conn, "chat", map[string]string{"text": line}); err != nil {
			log.Printf("Error sending chat: %v", err)
		}
		return false
	}

	fields := strings.Fields(line)
	base := "/api/v1/sessions/" + c.sessionID
	var err error

	switch fields[0] {
	case "/quit":
		return true
	case "/mode":
		if len(fields) < 2 {
			fmt.Println("usage: /mode freeform|branching")
			return false
		}
		err = c.call(http.MethodPut, base+"/mode", map[string]string{"mode": fields[1]}, nil)
	case "/option":
		c.mu.Lock()
		opts := c.options
		c.mu.Unlock()
		n, convErr := strconv.Atoi(arg(fields, 1))
		if convErr != nil || n < 1 || n > len(opts) {
			fmt.Println("usage: /option N (see the numbered options)")
			return false
		}
		err = writeFrame(conn, "select_option", map[string]string{"option": opts[n-1]})
	case "/translate":
		body := map[string]string{}
		if lang := arg(fields, 2); lang != "" {
			body["targetLanguage"] = lang
		}
		var msg message
		if err = c.call(http.MethodPost, base+"/messages/"+arg(fields, 1)+"/translate", body, &msg); err == nil && msg.Translation != nil {
			fmt.Printf("  [%s] %s\n", msg.Translation.TargetLanguage, msg.Translation.Text)
		}
	case "/regen":
		err = c.call(http.MethodPost, base+"/messages/"+arg(fields, 1)+"/regenerate", nil, nil)
	case "/retry":
		err = c.call(http.MethodPost, base+"/retry", nil, nil)
	case "/clear":
		err = c.call(http.MethodDelete, base+"/messages", nil, nil)
	case "/export":
		err = c.export(arg(fields, 1))
	default:
		printUsage()
	}

	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	return false
}

func (c *client) render(frame WSMessage) {
	switch frame.Type {
	case "snapshot":
		var snap snapshot
		if json.Unmarshal(frame.Content, &snap) == nil {
			for _, m := range snap.Messages {
				printMessage(m, "")
			}
			c.setOptions(snap.Options)
		}
	case "message_appended", "message_updated":
		var m message
		if json.Unmarshal(frame.Content, &m) == nil {
			prefix := ""
			if frame.Type == "message_updated" {
				prefix = "(updated) "
			}
			printMessage(m, prefix)
		}
	case "options_changed":
		var opts []string
		if json.Unmarshal(frame.Content, &opts) == nil {
			c.setOptions(opts)
		}
	case "typing":
		if string(frame.Content) == "true" {
			fmt.Println("  ...")
		}
	case "mode_changed":
		fmt.Printf("-- mode: %s\n", frame.Content)
	case "conversation_cleared":
		fmt.Println("-- conversation cleared")
	case "error":
		fmt.Printf("! %s\n", frame.Content)
	case "session_closed":
		fmt.Println("-- session closed")
	}
}

func (c *client) setOptions(opts []string) {
	c.mu.Lock()
	c.options = opts
	c.mu.Unlock()
	for i, o := range opts {
		fmt.Printf("  %d) %s\n", i+1, o)
	}
}

func printMessage(m message, prefix string) {
	status := ""
	if m.Status == "failed" {
		status = " [failed, /retry to resend]"
	}
	fmt.Printf("#%d %s%s: %s%s\n", m.ID, prefix, m.Role, m.Content, status)
}

func (c *client) export(path string) error {
	if path == "" {
		path = "conversation-" + c.sessionID + ".json"
	}
	resp, err := c.http.Get(c.baseURL + "/api/v1/sessions/" + c.sessionID + "/export")
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading export: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("error response: %s, status: %d", string(data), resp.StatusCode)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error saving export: %w", err)
	}
	fmt.Printf("-- saved %s\n", path)
	return nil
}

// call sends a JSON request to the gateway and decodes the reply into out when given
func (c *client) call(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("error response: %s, status: %d", strings.TrimSpace(string(bodyBytes)), resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

func writeFrame(conn *websocket.Conn, frameType string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	return conn.WriteJSON(WSMessage{Type: frameType, Content: raw})
}

func arg(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}
