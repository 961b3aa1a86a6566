// Package ticket defines the port for the external work-tracking system.
// Only the logical fields the core relies on are modelled here; the
// adapter owns the wire types.
package ticket

import (
	"context"
	"time"
)

// Item is a ticket item as seen by the core.
type Item struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	StatusLabel   string `json:"status_label"`
	RepositoryURL string `json:"repository_url"`
	BaseBranch    string `json:"base_branch,omitempty"`
	Priority      string `json:"priority,omitempty"`
	CreatorID     string `json:"creator_id,omitempty"`
	CreatorName   string `json:"creator_name,omitempty"`
	CreatorEmail  string `json:"creator_email,omitempty"`
}

// Update is a comment on a ticket item.
type Update struct {
	ID          string    `json:"id"`
	Body        string    `json:"body"`
	CreatorID   string    `json:"creator_id"`
	CreatorName string    `json:"creator_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Client is the port interface for the ticket system API.
type Client interface {
	GetItemInfo(ctx context.Context, itemID string) (*Item, error)
	GetItemUpdates(ctx context.Context, itemID string) ([]Update, error)
	UpdateItemStatus(ctx context.Context, itemID, statusLabel string) error
	AddComment(ctx context.Context, itemID, body string) error
	ChangeColumnValue(ctx context.Context, itemID, columnID, value string) error
}
