// Package autotrade runs the AI decision pass: it builds a portfolio brief
// for an account, asks the account's configured model for one decision, and
// executes or rejects it. Every decision, executed or not, is recorded in
// the decision log.
package autotrade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Decision is one model output. Operation is buy, sell or hold;
// TargetPortion is the fraction of cash (buy) or holding (sell) to move.
type Decision struct {
	Operation     string          `json:"operation"`
	Symbol        string          `json:"symbol"`
	TargetPortion decimal.Decimal `json:"target_portion"`
	Reason        string          `json:"reason"`
}

// Brief is the portfolio context handed to the decision client.
type Brief struct {
	Cash        decimal.Decimal `json:"cash"`
	TotalAssets decimal.Decimal `json:"total_assets"`
	Holdings    []BriefHolding  `json:"holdings"`
	Prices      []BriefPrice    `json:"prices"`
}

// BriefHolding is one position line in the brief.
type BriefHolding struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
	Value    decimal.Decimal `json:"value"`
}

// BriefPrice is one reference price line in the brief.
type BriefPrice struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// DecisionClient produces one trading decision for a portfolio brief.
type DecisionClient interface {
	Decide(ctx context.Context, model, baseURL, apiKey string, brief Brief) (Decision, error)
}

// DecisionFunc adapts a function to DecisionClient.
type DecisionFunc func(ctx context.Context, model, baseURL, apiKey string, brief Brief) (Decision, error)

// Decide implements DecisionClient.
func (f DecisionFunc) Decide(ctx context.Context, model, baseURL, apiKey string, brief Brief) (Decision, error) {
	return f(ctx, model, baseURL, apiKey, brief)
}

const systemPrompt = `You are a crypto portfolio manager. You receive the ` +
	`current portfolio state as JSON and must respond with exactly one JSON ` +
	`object: {"operation":"buy"|"sell"|"hold","symbol":"...",` +
	`"target_portion":0.0-1.0,"reason":"..."}. No other text.`

// ChatClient calls an OpenAI-compatible chat completions endpoint and parses
// the single JSON decision object from the first choice.
type ChatClient struct {
	client *http.Client
}

// NewChatClient returns a chat client with a 60s request timeout; model
// endpoints are slow collaborators.
func NewChatClient() *ChatClient {
	return &ChatClient{client: &http.Client{Timeout: 60 * time.Second}}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Decide implements DecisionClient over HTTP.
func (c *ChatClient) Decide(ctx context.Context, model, baseURL, apiKey string, brief Brief) (Decision, error) {
	briefJSON, err := json.Marshal(brief)
	if err != nil {
		return Decision{}, err
	}
	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(briefJSON)},
		},
	})
	if err != nil {
		return Decision{}, err
	}

	url := strings.TrimSuffix(baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("decision request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Decision{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("decision endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return Decision{}, fmt.Errorf("malformed decision response: %w", err)
	}
	if cr.Error != nil {
		return Decision{}, fmt.Errorf("decision endpoint error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return Decision{}, fmt.Errorf("decision response has no choices")
	}
	return parseDecision(cr.Choices[0].Message.Content)
}

// parseDecision extracts the JSON object from the model's reply, tolerating
// surrounding prose or markdown fences.
func parseDecision(content string) (Decision, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Decision{}, fmt.Errorf("no JSON object in decision reply")
	}
	var d Decision
	if err := json.Unmarshal([]byte(content[start:end+1]), &d); err != nil {
		return Decision{}, fmt.Errorf("unparseable decision: %w", err)
	}
	d.Operation = strings.ToLower(strings.TrimSpace(d.Operation))
	d.Symbol = strings.ToUpper(strings.TrimSpace(d.Symbol))
	return d, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
