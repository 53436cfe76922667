package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"autochat/pkg/models"
)

// APIError is a recoverable, user-visible failure reported by the broker in
// the response envelope (success=false).
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

// IsRecoverable reports whether err is an envelope-level failure rather
// than a transport fault.
func IsRecoverable(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

// Client talks to the conversation-scoped REST fallback surface. Every
// response uses the `{success, message, data}` envelope.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// New creates a Client for the given base URL.
func New(base, apiKey string) *Client {
	return &Client{
		base:   base,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// ResolveConversationRequest finds or creates the conversation between the
// participants about a subject, or a support conversation when Type is
// "support".
type ResolveConversationRequest struct {
	Subject      string               `json:"subject,omitempty"`
	Type         string               `json:"type,omitempty"`
	Participants []models.Participant `json:"participants"`
}

// ResolveConversation returns the existing conversation for the subject and
// participant pair, creating it on first contact.
func (c *Client) ResolveConversation(ctx context.Context, req ResolveConversationRequest) (models.Conversation, error) {
	var conv models.Conversation
	err := c.do(ctx, http.MethodPost, "/v1/conversations", req, &conv)
	return conv, err
}

// ListMessages fetches a chronological page of history. A non-zero after
// timestamp makes the fetch incremental (messages newer than the
// watermark), which bounds the refetch after a reconnect.
func (c *Client) ListMessages(ctx context.Context, conversationID string, after int64, limit int) ([]models.Message, error) {
	path := "/v1/conversations/" + conversationID + "/messages"
	sep := "?"
	if after > 0 {
		path += sep + "after=" + strconv.FormatInt(after, 10)
		sep = "&"
	}
	if limit > 0 {
		path += sep + "limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Messages {
		out.Messages[i].NormalizeSeen()
	}
	return out.Messages, nil
}

// PostMessage sends a message synchronously. The returned message carries
// the server-assigned id, so no optimistic entry is needed on this path.
func (c *Client) PostMessage(ctx context.Context, conversationID string, p models.SendMessagePayload) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodPost, "/v1/conversations/"+conversationID+"/messages", p, &msg)
	msg.NormalizeSeen()
	return msg, err
}

// EditMessage replaces a message body.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, newBody string) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodPut, "/v1/conversations/"+conversationID+"/messages/"+messageID,
		map[string]string{"body": newBody}, &msg)
	return msg, err
}

// DeleteMessage soft-deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/conversations/"+conversationID+"/messages/"+messageID, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	var env models.Envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	if !env.Success {
		return &APIError{Status: res.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("invalid envelope data: %w", err)
		}
	}
	return nil
}
