package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mcdev12/mathduel/go/internal/realtime/match"
)

const (
	activeMatchEndpoint = "/rooms/%s/active-match"
	submitEndpoint      = "/rooms/%s/submit"
	inputsEndpoint      = "/rooms/%s/inputs"
)

// SubmitRequest is the body of a submission
type SubmitRequest struct {
	Expression string  `json:"expression"`
	Mode       string  `json:"mode"`
	TeamLabel  *string `json:"team_label"`
}

// InputRequest is the body of a live input publish
type InputRequest struct {
	Expression string `json:"expression"`
	ClientID   string `json:"client_id,omitempty"`
}

func roomPath(format, roomID string) string {
	return fmt.Sprintf(format, url.PathEscape(roomID))
}

// ActiveMatch fetches the active match of a room. A JSON null body means no match is active and
// returns nil, nil.
func (c *Client) ActiveMatch(ctx context.Context, roomID string) (*match.Snapshot, error) {
	var snap *match.Snapshot
	if err := c.do(ctx, http.MethodGet, roomPath(activeMatchEndpoint, roomID), nil, &snap); err != nil {
		return nil, fmt.Errorf("get active match: %w", err)
	}
	return snap, nil
}

// Submit submits an expression for the local player
func (c *Client) Submit(ctx context.Context, roomID, expression string) error {
	req := SubmitRequest{Expression: expression, Mode: "individual"}
	if err := c.do(ctx, http.MethodPost, roomPath(submitEndpoint, roomID), req, nil); err != nil {
		return fmt.Errorf("submit expression: %w", err)
	}
	return nil
}

// PublishInput publishes the local player's live expression. clientID is echoed back on the
// resulting input_update frame.
func (c *Client) PublishInput(ctx context.Context, roomID, expression, clientID string) error {
	req := InputRequest{Expression: expression, ClientID: clientID}
	if err := c.do(ctx, http.MethodPost, roomPath(inputsEndpoint, roomID), req, nil); err != nil {
		return fmt.Errorf("publish input: %w", err)
	}
	return nil
}
