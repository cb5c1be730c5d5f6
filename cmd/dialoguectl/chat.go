package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"taskdialog/internal/config"
	"taskdialog/internal/domain"
)

func newChatCmd() *cobra.Command {
	cfg := config.LoadChatClientConfig()
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Hold a conversation with a running dialogue server",
		Long: `Reads one utterance per line and prints the server's reply. The
conversation id is carried between turns; "/new" starts a new conversation
and "/quit" exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.SessionID == "" {
				cfg.SessionID = uuid.NewString()
			}
			c := &chatClient{
				baseURL:   strings.TrimRight(cfg.ServerURL, "/"),
				sessionID: cfg.SessionID,
				http:      &http.Client{Timeout: cfg.Timeout},
			}
			return c.repl(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "dialogue server base URL")
	cmd.Flags().StringVar(&cfg.SessionID, "session", cfg.SessionID, "session id (random when empty)")
	return cmd
}

type chatClient struct {
	baseURL        string
	sessionID      string
	conversationID string
	http           *http.Client
}

func (c *chatClient) repl(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "session %s\n", c.sessionID)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			c.conversationID = ""
			fmt.Fprintln(out, "(new conversation)")
			continue
		}

		resp, err := c.turn(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		printResponse(out, resp)
	}
}

func (c *chatClient) turn(ctx context.Context, utterance string) (domain.TurnResponse, error) {
	body, err := json.Marshal(domain.TurnRequest{
		SessionID:      c.sessionID,
		ConversationID: c.conversationID,
		Utterance:      utterance,
	})
	if err != nil {
		return domain.TurnResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/turns", bytes.NewReader(body))
	if err != nil {
		return domain.TurnResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return domain.TurnResponse{}, err
	}
	defer httpResp.Body.Close()

	var out struct {
		domain.TurnResponse
		Error string `json:"error"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return domain.TurnResponse{}, fmt.Errorf("decode response (status %d): %w", httpResp.StatusCode, err)
	}
	if out.Reply == "" && out.Error != "" {
		return domain.TurnResponse{}, fmt.Errorf("server: %s", out.Error)
	}

	c.conversationID = out.ConversationID
	if out.Status.Terminal() {
		c.conversationID = ""
	}
	return out.TurnResponse, nil
}

func printResponse(out io.Writer, resp domain.TurnResponse) {
	fmt.Fprintln(out, resp.Reply)
	meta := []string{string(resp.Status)}
	if resp.ActiveIntent != "" {
		meta = append(meta, "intent="+resp.ActiveIntent)
	}
	if len(resp.MissingSlots) > 0 {
		meta = append(meta, "missing="+strings.Join(resp.MissingSlots, ","))
	}
	for i, cand := range resp.AmbiguityCandidates {
		meta = append(meta, fmt.Sprintf("%d:%s(%.2f)", i+1, cand.Intent, cand.Confidence))
	}
	fmt.Fprintf(out, "  [%s]\n", strings.Join(meta, " "))
}
