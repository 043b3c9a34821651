package relay

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/chatrelay/internal/attachment"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/samber/lo"
)

// NamingPrompt asks the naming model for a short title.
const NamingPrompt = "Please generate from provided context 2-3 words chat name that describe start of conversation. Only provide one name without any conversation."

// AnswerRequest is the body of POST /api/llm_providers/gen_answer.
type AnswerRequest struct {
	Query          string                  `json:"query"`
	Files          []domain.FileAttachment `json:"files,omitempty"`
	ConversationID string                  `json:"conversationId"`
}

// Validate rejects empty requests and disallowed attachment types.
func (r *AnswerRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" && len(r.Files) == 0 {
		return fmt.Errorf("%w: query or files required", domain.ErrValidation)
	}
	for _, f := range r.Files {
		if !attachment.Accepted(f.Type) {
			return fmt.Errorf("%w: unsupported file type %q for %s", domain.ErrValidation, f.Type, f.Name)
		}
	}
	return nil
}

// ChatNameRequest is the body of POST /api/llm_providers/gen_chat_name.
type ChatNameRequest struct {
	Context []domain.Message `json:"context"`
}

// SimpleRequest is the body of POST /api/llm_providers/simple_get.
type SimpleRequest struct {
	Prompt string `json:"prompt"`
}

// upstreamAnswer is what the inference pipeline expects. At most one document
// and one image are forwarded; they are told apart by file name suffix.
type upstreamAnswer struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id"`
	Document       string `json:"document,omitempty"`
	Image          string `json:"image,omitempty"`
}

type upstreamNaming struct {
	Query struct {
		Query   string   `json:"query"`
		Context []string `json:"context"`
	} `json:"query"`
	Opt struct {
		Temperature float64 `json:"temperature"`
	} `json:"opt"`
}

func adaptAnswer(req AnswerRequest) upstreamAnswer {
	out := upstreamAnswer{Query: req.Query, ConversationID: req.ConversationID}
	for _, f := range req.Files {
		switch attachment.KindOf(f.Name) {
		case attachment.KindDocument:
			if out.Document != "" {
				slog.Warn("Dropping extra document attachment", "name", f.Name)
				continue
			}
			out.Document = f.Data
		case attachment.KindImage:
			if out.Image != "" {
				slog.Warn("Dropping extra image attachment", "name", f.Name)
				continue
			}
			out.Image = f.Data
		default:
			slog.Warn("Dropping attachment with unknown suffix", "name", f.Name, "type", f.Type)
		}
	}
	return out
}

// adaptNaming seeds the naming model with the message texts. Temperature is
// pinned to zero so identical seeds produce the same title.
func adaptNaming(msgs []domain.Message) upstreamNaming {
	var out upstreamNaming
	out.Query.Query = NamingPrompt
	out.Query.Context = lo.Map(msgs, func(m domain.Message, _ int) string { return m.Text })
	out.Opt.Temperature = 0
	return out
}
