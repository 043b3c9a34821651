package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/samber/lo"
)

// flexID accepts ids encoded either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	*f = flexID(s)
	return nil
}

func (f flexID) Int64() (int64, error) {
	n, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse conversation id %q: %w", string(f), err)
	}
	return n, nil
}

type messageDTO struct {
	ID        flexID      `json:"id"`
	Content   string      `json:"content"`
	Role      domain.Role `json:"role"`
	Timestamp *time.Time  `json:"timestamp"`
}

type conversationDTO struct {
	ID        flexID       `json:"id"`
	Title     string       `json:"title"`
	CreatedAt *time.Time   `json:"created_at"`
	Messages  []messageDTO `json:"messages"`
}

// ListConversations returns the sidebar entries of the signed-in user. The
// user is identified by the bearer credential.
func (c *Client) ListConversations(ctx context.Context) ([]domain.ConversationEntry, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations/", nil, &raw, true); err != nil {
		return nil, err
	}

	dtos, err := decodeList(raw)
	if err != nil {
		return nil, err
	}

	entries := make([]domain.ConversationEntry, 0, len(dtos))
	for _, d := range dtos {
		id, err := d.ID.Int64()
		if err != nil {
			return nil, err
		}
		entry := domain.ConversationEntry{ID: id, Title: d.Title}
		if d.CreatedAt != nil {
			entry.Timestamp = *d.CreatedAt
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// decodeList accepts a bare array or a paginated {"results": [...]} body.
func decodeList(raw json.RawMessage) ([]conversationDTO, error) {
	var list []conversationDTO
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var page struct {
		Results []conversationDTO `json:"results"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode conversation list: %w", err)
	}
	return page.Results, nil
}

// GetConversation fetches one conversation with its messages. Roles are
// mapped to local senders.
func (c *Client) GetConversation(ctx context.Context, id int64) (*domain.Conversation, error) {
	var dto conversationDTO
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/chat/conversations/%d", id), nil, &dto, true); err != nil {
		return nil, err
	}

	conv := &domain.Conversation{
		ID:    id,
		Title: dto.Title,
		Saved: true,
		Messages: lo.Map(dto.Messages, func(m messageDTO, i int) domain.Message {
			msgID := string(m.ID)
			if msgID == "" {
				msgID = fmt.Sprintf("%d-%d", id, i)
			}
			return domain.Message{
				ID:        msgID,
				Text:      m.Content,
				Sender:    m.Role.Sender(),
				Timestamp: m.Timestamp,
				// A stored message without a timestamp never finished streaming.
				Interrupted: m.Timestamp == nil,
			}
		}),
	}
	if dto.CreatedAt != nil {
		conv.CreatedAt = *dto.CreatedAt
	}
	return conv, nil
}

// CreateConversation creates a conversation and returns its id.
func (c *Client) CreateConversation(ctx context.Context, title string) (int64, error) {
	var dto conversationDTO
	if err := c.do(ctx, http.MethodPost, "/api/chat/conversations/", map[string]string{"title": title}, &dto, true); err != nil {
		return 0, err
	}
	id, err := dto.ID.Int64()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("create conversation: backend returned no id")
	}
	return id, nil
}

// AppendMessage stores one message at the end of a conversation.
func (c *Client) AppendMessage(ctx context.Context, conversationID int64, role domain.Role, content string) error {
	path := fmt.Sprintf("/api/chat/conversations/%d/messages/", conversationID)
	body := map[string]string{"role": string(role), "content": content}
	return c.do(ctx, http.MethodPost, path, body, nil, true)
}
