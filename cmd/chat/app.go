package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/ashureev/chatrelay/internal/attachment"
	"github.com/ashureev/chatrelay/internal/backend"
	"github.com/ashureev/chatrelay/internal/chat"
	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/outbox"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

const helpText = `Commands:
  /login <email> <password>                 sign in
  /register <email> <first> <last> <pass>   create an account
  /logout                                   sign out
  /me                                       show the signed-in user
  /chats                                    list saved conversations
  /open <id>                                open a saved conversation
  /new                                      start a new conversation
  /attach <path>                            attach a PDF or image to the next message
  /files                                    list pending attachments
  /detach                                   drop pending attachments
  /pending                                  show exchanges waiting to be saved
  /help                                     show this help
  /quit                                     exit`

// app is the interactive terminal front end of the chat engine.
type app struct {
	backend *backend.Client
	outbox  *outbox.Outbox
	engine  *chat.Engine
	in      io.Reader
	out     io.Writer
	uploads []attachment.Upload

	you  *color.Color
	bot  *color.Color
	info *color.Color
	warn *color.Color

	mu        sync.Mutex
	printedID string
	printed   int
}

func newApp(cfg *config.ClientConfig, api *backend.Client, r chat.Relay, ob *outbox.Outbox, in io.Reader, out io.Writer) *app {
	a := &app{
		backend: api,
		outbox:  ob,
		in:      in,
		out:     out,
		you:     color.New(color.FgCyan, color.Bold),
		bot:     color.New(color.FgGreen, color.Bold),
		info:    color.New(color.Faint),
		warn:    color.New(color.FgYellow),
	}
	a.engine = chat.New(r, api, ob, chat.Options{
		IdleTimeout:       cfg.StreamIdleTimeout,
		MaxAttachmentSize: cfg.MaxAttachmentSize.Int64(),
		Observer:          a.render,
	})
	return a
}

// Run reads commands and messages until EOF, /quit or ctx is cancelled.
func (a *app) Run(ctx context.Context) error {
	fmt.Fprintln(a.out, "=== chatrelay ===")
	fmt.Fprintln(a.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(a.out)
	a.printMessage(a.engine.Snapshot().Messages[0])

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		a.you.Fprint(a.out, "You: ")
		var input string
		select {
		case <-ctx.Done():
			fmt.Fprintln(a.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(a.out, "Goodbye!")
				return nil
			}
			input = strings.TrimSpace(line)
		}
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			name, args := parseCommand(input)
			quit, err := a.handleCommand(ctx, name, args)
			if err != nil {
				a.printError(err)
				slog.Error("Command failed", "command", name, "error", err)
			}
			if quit {
				fmt.Fprintln(a.out, "Goodbye!")
				return nil
			}
			continue
		}

		a.send(ctx, input)
	}
}

func parseCommand(input string) (string, []string) {
	fields := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

func (a *app) handleCommand(ctx context.Context, name string, args []string) (bool, error) {
	switch name {
	case "quit", "exit", "q":
		return true, nil
	case "help", "h":
		fmt.Fprintln(a.out, helpText)
	case "login":
		if len(args) != 2 {
			return false, usage("/login <email> <password>")
		}
		resp, err := a.backend.Login(ctx, args[0], args[1])
		if err != nil {
			return false, err
		}
		a.info.Fprintf(a.out, "Signed in as %s\n", resp.User.Name())
		return false, a.engine.LoadConversations(ctx)
	case "register":
		if len(args) != 4 {
			return false, usage("/register <email> <first> <last> <password>")
		}
		resp, err := a.backend.Register(ctx, args[0], args[1], args[2], args[3])
		if err != nil {
			return false, err
		}
		a.info.Fprintf(a.out, "Welcome, %s\n", resp.User.Name())
	case "logout":
		if err := a.backend.Logout(ctx); err != nil {
			return false, err
		}
		a.info.Fprintln(a.out, "Signed out")
		return false, a.engine.SelectConversation(ctx, 0)
	case "me":
		u, err := a.backend.CurrentUser(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(a.out, "%s <%s>\n", u.Name(), u.Email)
	case "chats":
		return false, a.listChats(ctx)
	case "open":
		if len(args) != 1 {
			return false, usage("/open <id>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return false, usage("/open <id>")
		}
		if err := a.engine.SelectConversation(ctx, id); err != nil {
			return false, err
		}
		a.printConversation()
	case "new":
		if err := a.engine.SelectConversation(ctx, 0); err != nil {
			return false, err
		}
		a.printConversation()
	case "attach":
		if len(args) == 0 {
			return false, usage("/attach <path>")
		}
		return false, a.attach(strings.Join(args, " "))
	case "files":
		if len(a.uploads) == 0 {
			a.info.Fprintln(a.out, "No attachments")
		}
		for _, u := range a.uploads {
			fmt.Fprintf(a.out, "  %s\n", attachment.Describe(u))
		}
	case "detach":
		a.uploads = nil
		a.info.Fprintln(a.out, "Attachments cleared")
	case "pending":
		list, err := a.outbox.Pending(ctx, a.engine.Snapshot().LocalKey)
		if err != nil {
			return false, err
		}
		a.info.Fprintf(a.out, "%d exchange(s) waiting to be saved\n", len(list))
	default:
		return false, fmt.Errorf("unknown command /%s, try /help", name)
	}
	return false, nil
}

func usage(u string) error {
	return fmt.Errorf("%w: usage: %s", domain.ErrValidation, u)
}

func (a *app) attach(path string) error {
	u, err := attachment.FromPath(path)
	if err != nil {
		return err
	}
	if err := attachment.Validate([]attachment.Upload{u}); err != nil {
		return err
	}
	a.uploads = append(a.uploads, u)
	a.info.Fprintf(a.out, "Attached %s\n", attachment.Describe(u))
	return nil
}

func (a *app) listChats(ctx context.Context) error {
	if err := a.engine.LoadConversations(ctx); err != nil {
		return err
	}
	entries := a.engine.Entries()
	if len(entries) == 0 {
		a.info.Fprintln(a.out, "No saved conversations")
		return nil
	}
	current := a.engine.Snapshot().ConversationID
	for _, e := range entries {
		marker := " "
		if e.ID == current {
			marker = "*"
		}
		fmt.Fprintf(a.out, "%s %4d  %-40s %s\n", marker, e.ID, e.Title, a.info.Sprint(humanize.Time(e.Timestamp)))
	}
	return nil
}

func (a *app) send(ctx context.Context, text string) {
	uploads := a.uploads
	before := a.engine.Snapshot()

	err := a.engine.SendMessage(ctx, text, uploads)
	fmt.Fprintln(a.out)

	after := a.engine.Snapshot()
	if !errors.Is(err, domain.ErrValidation) && !errors.Is(err, domain.ErrBusy) {
		a.uploads = nil
	}
	if before.Title == "" && after.Title != "" {
		a.info.Fprintf(a.out, "Title: %s\n", after.Title)
	}
	if err != nil {
		a.printError(err)
		slog.Warn("Send failed", "local_key", after.LocalKey, "error", err)
	}
	fmt.Fprintln(a.out)
}

// render streams the growing reply to the terminal. It only acts while a
// send is in flight; stored conversations are printed by printConversation.
func (a *app) render(s chat.Snapshot) {
	if !s.Streaming {
		return
	}
	last, ok := s.Last()
	if !ok || last.Sender != domain.SenderBot {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if last.ID != a.printedID {
		a.printedID = last.ID
		a.printed = 0
		a.bot.Fprint(a.out, "Bot: ")
	}
	if len(last.Text) > a.printed {
		fmt.Fprint(a.out, last.Text[a.printed:])
		a.printed = len(last.Text)
	}
	if last.Interrupted {
		a.warn.Fprint(a.out, " [interrupted]")
	}
}

// conversationSaved is the outbox retry callback.
func (a *app) conversationSaved(localKey string, id int64) {
	a.engine.ConversationSaved(localKey, id)
	slog.Info("Conversation saved by retry", "local_key", localKey, "conversation_id", id)
}

func (a *app) printConversation() {
	s := a.engine.Snapshot()
	if s.Title != "" {
		a.info.Fprintf(a.out, "--- %s ---\n", s.Title)
	}
	for _, m := range s.Messages {
		a.printMessage(m)
	}
}

func (a *app) printMessage(m domain.Message) {
	if m.Sender == domain.SenderBot {
		a.bot.Fprint(a.out, "Bot: ")
	} else {
		a.you.Fprint(a.out, "You: ")
	}
	fmt.Fprint(a.out, m.Text)
	for _, f := range m.Files {
		a.info.Fprintf(a.out, " [%s]", f.Name)
	}
	if m.Timestamp == nil {
		a.warn.Fprint(a.out, " [did not finish]")
	}
	fmt.Fprintln(a.out)
}

func (a *app) printError(err error) {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		a.warn.Fprintln(a.out, "Sign in with /login to continue.")
	case errors.Is(err, domain.ErrConversationSwitched):
		a.warn.Fprintln(a.out, "Conversation changed before the reply finished.")
	case errors.Is(err, domain.ErrPersistence):
		a.warn.Fprintln(a.out, "Reply shown but not saved yet; it will be retried.")
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		a.warn.Fprintln(a.out, "The assistant is unavailable right now, try again.")
	case errors.Is(err, domain.ErrBusy):
		a.warn.Fprintln(a.out, "Still answering the previous message.")
	}
	a.warn.Fprintf(a.out, "Error: %v\n", err)
}
