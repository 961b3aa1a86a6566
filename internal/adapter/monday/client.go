// Package monday implements the ticket port against the monday.com
// GraphQL API. Item fields the core cares about are mapped from
// well-known column ids; everything else stays on the wire.
package monday

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ticketpilot/ticketpilot/internal/config"
	"github.com/ticketpilot/ticketpilot/internal/port/ticket"
	"github.com/ticketpilot/ticketpilot/internal/resilience"
)

// Column ids the board is expected to carry. Items without a column simply
// leave the mapped field empty.
const (
	columnStatus      = "status"
	columnRepository  = "repository"
	columnBaseBranch  = "base_branch"
	columnPriority    = "priority"
	columnDescription = "description"
)

// Client talks to the monday.com GraphQL API.
type Client struct {
	apiURL     string
	token      string
	boardID    string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a monday.com client scoped to one board.
func NewClient(cfg config.Monday, boardID string) *Client {
	return &Client{
		apiURL:  cfg.APIURL,
		token:   cfg.Token,
		boardID: boardID,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors,omitempty"`
}

type itemPayload struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ColumnValues []struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"column_values"`
	Creator *struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"creator"`
}

// GetItemInfo fetches one item with its mapped columns and creator.
func (c *Client) GetItemInfo(ctx context.Context, itemID string) (*ticket.Item, error) {
	const query = `query ($ids: [ID!]) {
		items (ids: $ids) {
			id name
			column_values { id text }
			creator { id name email }
		}
	}`

	var data struct {
		Items []itemPayload `json:"items"`
	}
	if err := c.do(ctx, query, map[string]any{"ids": []string{itemID}}, &data); err != nil {
		return nil, fmt.Errorf("get item %s: %w", itemID, err)
	}
	if len(data.Items) == 0 {
		return nil, fmt.Errorf("get item %s: not found", itemID)
	}

	raw := data.Items[0]
	item := &ticket.Item{ID: raw.ID, Name: raw.Name}
	if raw.Creator != nil {
		item.CreatorID = raw.Creator.ID
		item.CreatorName = raw.Creator.Name
		item.CreatorEmail = raw.Creator.Email
	}
	for _, cv := range raw.ColumnValues {
		switch cv.ID {
		case columnStatus:
			item.StatusLabel = cv.Text
		case columnRepository:
			item.RepositoryURL = cv.Text
		case columnBaseBranch:
			item.BaseBranch = cv.Text
		case columnPriority:
			item.Priority = cv.Text
		case columnDescription:
			item.Description = cv.Text
		}
	}
	return item, nil
}

// GetItemUpdates fetches the most recent comments, newest first.
func (c *Client) GetItemUpdates(ctx context.Context, itemID string) ([]ticket.Update, error) {
	const query = `query ($ids: [ID!]) {
		items (ids: $ids) {
			updates (limit: 25) {
				id text_body created_at
				creator { id name }
			}
		}
	}`

	var data struct {
		Items []struct {
			Updates []struct {
				ID        string `json:"id"`
				TextBody  string `json:"text_body"`
				CreatedAt string `json:"created_at"`
				Creator   *struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"creator"`
			} `json:"updates"`
		} `json:"items"`
	}
	if err := c.do(ctx, query, map[string]any{"ids": []string{itemID}}, &data); err != nil {
		return nil, fmt.Errorf("get item %s updates: %w", itemID, err)
	}
	if len(data.Items) == 0 {
		return nil, nil
	}

	updates := make([]ticket.Update, 0, len(data.Items[0].Updates))
	for _, u := range data.Items[0].Updates {
		upd := ticket.Update{ID: u.ID, Body: u.TextBody}
		if u.Creator != nil {
			upd.CreatorID = u.Creator.ID
			upd.CreatorName = u.Creator.Name
		}
		if ts, err := time.Parse(time.RFC3339, u.CreatedAt); err == nil {
			upd.CreatedAt = ts
		}
		updates = append(updates, upd)
	}
	return updates, nil
}

// UpdateItemStatus sets the status column to the given label.
func (c *Client) UpdateItemStatus(ctx context.Context, itemID, statusLabel string) error {
	const query = `mutation ($item: ID!, $board: ID!, $value: String!) {
		change_simple_column_value (item_id: $item, board_id: $board, column_id: "status", value: $value) { id }
	}`

	vars := map[string]any{"item": itemID, "board": c.boardID, "value": statusLabel}
	if err := c.do(ctx, query, vars, nil); err != nil {
		return fmt.Errorf("update item %s status: %w", itemID, err)
	}
	return nil
}

// AddComment posts an update on the item.
func (c *Client) AddComment(ctx context.Context, itemID, body string) error {
	const query = `mutation ($item: ID!, $body: String!) {
		create_update (item_id: $item, body: $body) { id }
	}`

	if err := c.do(ctx, query, map[string]any{"item": itemID, "body": body}, nil); err != nil {
		return fmt.Errorf("add comment on item %s: %w", itemID, err)
	}
	return nil
}

// ChangeColumnValue writes a raw JSON column value.
func (c *Client) ChangeColumnValue(ctx context.Context, itemID, columnID, value string) error {
	const query = `mutation ($item: ID!, $board: ID!, $column: String!, $value: JSON!) {
		change_column_value (item_id: $item, board_id: $board, column_id: $column, value: $value) { id }
	}`

	vars := map[string]any{"item": itemID, "board": c.boardID, "column": columnID, "value": value}
	if err := c.do(ctx, query, vars, nil); err != nil {
		return fmt.Errorf("change column %s on item %s: %w", columnID, itemID, err)
	}
	return nil
}

// do executes one GraphQL request and unmarshals response.data into out.
func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	payload, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}

	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", c.token)
		req.Header.Set("API-Version", "2024-10")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("monday API error %d: %s", resp.StatusCode, string(data))
		}

		var gr gqlResponse
		if err := json.Unmarshal(data, &gr); err != nil {
			return fmt.Errorf("unmarshal graphql response: %w", err)
		}
		if len(gr.Errors) > 0 {
			msgs := make([]string, len(gr.Errors))
			for i, e := range gr.Errors {
				msgs[i] = e.Message
			}
			return fmt.Errorf("monday graphql error: %s", strings.Join(msgs, "; "))
		}
		if out != nil {
			if err := json.Unmarshal(gr.Data, out); err != nil {
				return fmt.Errorf("unmarshal graphql data: %w", err)
			}
		}
		return nil
	}

	if c.breaker != nil {
		return c.breaker.Execute(call)
	}
	return call()
}
