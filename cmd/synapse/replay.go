package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/antoniostano/synapse/internal/protocol"
)

type replayOptions struct {
	baseURL     string
	email       string
	password    string
	register    bool
	turns       int
	interTurn   time.Duration
	turnTimeout time.Duration
	texts       []string
	verbose     bool
}

var defaultUtterances = []string{
	"Reply in three words: what did I ask first?",
	"Reply in three words: summarize our chat.",
	"Reply in three words: what is my name?",
	"Reply in three words: anything to remember?",
}

// newReplayCmd drives synthetic turns through a running server and reports
// end-to-end turn latency as seen by a client.
func newReplayCmd() *cobra.Command {
	var (
		opts     replayOptions
		textsRaw string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay synthetic chat turns against a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.finish(textsRaw); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 8*time.Minute)
			defer cancel()
			report, err := runReplay(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			report.print(cmd.OutOrStdout())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:3000", "server base URL")
	f.StringVar(&opts.email, "email", "replay@example.com", "account used for the replay")
	f.StringVar(&opts.password, "password", "replay-password", "account password")
	f.BoolVar(&opts.register, "register", true, "create the account first when it does not exist")
	f.IntVar(&opts.turns, "turns", 10, "number of turns to replay")
	f.DurationVar(&opts.interTurn, "inter-turn", 180*time.Millisecond, "delay between turns")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", 60*time.Second, "timeout waiting for each reply")
	f.StringVar(&textsRaw, "texts", "", "utterances separated by '|'")
	f.BoolVar(&opts.verbose, "verbose", false, "print replay progress")
	return cmd
}

func (o *replayOptions) finish(textsRaw string) error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	if o.turns <= 0 {
		return fmt.Errorf("turns must be > 0")
	}
	if o.turnTimeout < time.Second {
		o.turnTimeout = time.Second
	}
	if o.interTurn < 0 {
		o.interTurn = 0
	}
	o.texts = nil
	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			o.texts = append(o.texts, t)
		}
	}
	if len(o.texts) == 0 {
		if strings.TrimSpace(textsRaw) != "" {
			return fmt.Errorf("texts produced no non-empty utterances")
		}
		o.texts = append([]string(nil), defaultUtterances...)
	}
	return nil
}

type replayReport struct {
	conversationID string
	latencies      []time.Duration
	failures       int
}

func (r replayReport) print(w io.Writer) {
	fmt.Fprintf(w, "conversation=%s turns=%d failures=%d\n", r.conversationID, len(r.latencies)+r.failures, r.failures)
	if len(r.latencies) == 0 {
		return
	}
	fmt.Fprintf(w, "latency p50=%s p95=%s max=%s\n",
		percentile(r.latencies, 0.50).Round(time.Millisecond),
		percentile(r.latencies, 0.95).Round(time.Millisecond),
		percentile(r.latencies, 1).Round(time.Millisecond))
}

// percentile uses nearest-rank on a sorted copy.
func percentile(samples []time.Duration, q float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted))+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func runReplay(ctx context.Context, opts replayOptions, progress io.Writer) (replayReport, error) {
	client := &http.Client{Timeout: 45 * time.Second}
	token, err := obtainToken(ctx, client, opts)
	if err != nil {
		return replayReport{}, fmt.Errorf("authenticate: %w", err)
	}
	chatID, err := createChat(ctx, client, opts.baseURL, token)
	if err != nil {
		return replayReport{}, fmt.Errorf("create chat: %w", err)
	}
	report := replayReport{conversationID: chatID}

	wsURL, err := chatWSURL(opts.baseURL)
	if err != nil {
		return report, fmt.Errorf("build ws URL: %w", err)
	}
	header := http.Header{}
	header.Set("Cookie", "token="+token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return report, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	terminal := make(chan wireFrame, 32)
	readErr := make(chan error, 1)
	go readTerminalFrames(conn, chatID, terminal, readErr)

	for i := 0; i < opts.turns; i++ {
		text := opts.texts[i%len(opts.texts)]
		if opts.verbose {
			fmt.Fprintf(progress, "replay: turn %d/%d text=%q\n", i+1, opts.turns, text)
		}
		started := time.Now()
		if err := conn.WriteJSON(map[string]any{
			"type":    protocol.TypeSubmitTurn,
			"payload": protocol.SubmitTurn{ConversationID: chatID, Content: text},
		}); err != nil {
			return report, fmt.Errorf("turn %d send: %w", i+1, err)
		}
		frame, err := awaitTerminal(ctx, terminal, readErr, opts.turnTimeout)
		if err != nil {
			return report, fmt.Errorf("turn %d await reply: %w", i+1, err)
		}
		if frame.Type == string(protocol.TypeTurnError) {
			report.failures++
			if opts.verbose {
				fmt.Fprintf(progress, "replay: turn %d failed: %s\n", i+1, string(frame.Payload))
			}
		} else {
			report.latencies = append(report.latencies, time.Since(started))
		}
		if opts.interTurn > 0 && i < opts.turns-1 {
			time.Sleep(opts.interTurn)
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return report, nil
}

type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readTerminalFrames forwards the turn-ending frames of one conversation.
func readTerminalFrames(conn *websocket.Conn, chatID string, out chan<- wireFrame, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type != string(protocol.TypeTurnResponse) && f.Type != string(protocol.TypeTurnError) {
			continue
		}
		var scope struct {
			ConversationID string `json:"conversationId"`
		}
		_ = json.Unmarshal(f.Payload, &scope)
		if scope.ConversationID != "" && scope.ConversationID != chatID {
			continue
		}
		out <- f
	}
}

func awaitTerminal(ctx context.Context, frames <-chan wireFrame, readErr <-chan error, timeout time.Duration) (wireFrame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-frames:
		return f, nil
	case err := <-readErr:
		return wireFrame{}, err
	case <-ctx.Done():
		return wireFrame{}, ctx.Err()
	case <-timer.C:
		return wireFrame{}, fmt.Errorf("timeout after %s", timeout)
	}
}

func obtainToken(ctx context.Context, client *http.Client, opts replayOptions) (string, error) {
	creds := map[string]any{"email": opts.email, "password": opts.password}
	res, body, err := postJSON(ctx, client, opts.baseURL+"/api/auth/login", "", creds)
	if err != nil {
		return "", err
	}
	if res.StatusCode == http.StatusUnauthorized && opts.register {
		creds["fullName"] = map[string]string{"firstName": "Replay"}
		res, body, err = postJSON(ctx, client, opts.baseURL+"/api/auth/register", "", creds)
		if err != nil {
			return "", err
		}
	}
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	for _, c := range res.Cookies() {
		if c.Name == "token" && c.Value != "" {
			return c.Value, nil
		}
	}
	return "", fmt.Errorf("no credential cookie in response")
}

func createChat(ctx context.Context, client *http.Client, baseURL, token string) (string, error) {
	title := "replay " + time.Now().UTC().Format(time.RFC3339)
	res, body, err := postJSON(ctx, client, baseURL+"/api/chat", token, map[string]string{"title": title})
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Chat struct {
			ID string `json:"id"`
		} `json:"chat"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if out.Chat.ID == "" {
		return "", fmt.Errorf("missing chat id in response")
	}
	return out.Chat.ID, nil
}

func postJSON(ctx context.Context, client *http.Client, target, token string, v any) (*http.Response, []byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: "token", Value: token})
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, nil, err
	}
	return res, body, nil
}

func chatWSURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/chat/ws"
	return u.String(), nil
}
