package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"dashtracer-chat/internal/chat"
	"dashtracer-chat/internal/chatview"
	"dashtracer-chat/internal/config"
	"dashtracer-chat/internal/domain"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// managerConfig maps client settings onto the connection manager. An explicit
// CHAT_RECONNECT_LIMIT of 0 disables reconnects; chat.Config treats 0 as unset.
func managerConfig(cfg *config.Config, endpoint string) chat.Config {
	limit := cfg.Client.ReconnectLimit
	if limit == 0 {
		limit = -1
	}
	return chat.Config{
		Endpoint:         endpoint,
		ReconnectLimit:   limit,
		ReconnectDelay:   cfg.Client.ReconnectDelay,
		ReconnectBackoff: cfg.Client.ReconnectBackoff,
		HistoryLimit:     cfg.Client.HistoryLimit,
	}
}

func runChat(cmd *cobra.Command, opts chatOptions) error {
	_ = godotenv.Load()
	cfg := config.LoadConfig()

	user, participants, err := resolveParticipants(opts)
	if err != nil {
		return err
	}
	endpoint := cfg.Client.WebSocketURL
	if opts.url != "" {
		endpoint = opts.url
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	mgr := chat.NewManager(managerConfig(cfg, endpoint), chat.WithLogger(logger))
	defer mgr.Disconnect()

	view := chatview.New(mgr, chatview.Config{
		ChannelID:           opts.channel,
		User:                user,
		Participants:        participants,
		AllowIdentitySwitch: cfg.Client.AllowIdentitySwitch,
		MessageLimit:        cfg.Client.HistoryLimit,
		Logger:              logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	term := newTerminal(view, cmd.OutOrStdout())
	view.OnChange(term.render)
	if err := view.Mount(ctx); err != nil {
		return fmt.Errorf("mount chat view: %w", err)
	}
	defer view.Unmount()

	return term.run(ctx, cmd.InOrStdin())
}

// resolveParticipants builds the local user and the full participant list.
func resolveParticipants(opts chatOptions) (domain.Participant, []domain.Participant, error) {
	role, err := domain.ParseRole(opts.role)
	if err != nil {
		return domain.Participant{}, nil, err
	}
	name := opts.name
	if name == "" {
		name = opts.userID
	}
	user := domain.Participant{ID: opts.userID, Name: name, Role: role}

	participants := []domain.Participant{user}
	for _, raw := range opts.participants {
		p, err := domain.ParseParticipant(raw)
		if err != nil {
			return domain.Participant{}, nil, fmt.Errorf("--participant %q: %w", raw, err)
		}
		if p.ID != user.ID {
			participants = append(participants, p)
		}
	}
	return user, participants, nil
}

// view is the part of chatview.Controller the terminal drives.
type view interface {
	InputChanged(text string)
	Send(body string) (bool, error)
	SwitchIdentity(ctx context.Context, user domain.Participant) error
	MarkAllRead()
	Messages() []domain.Message
	TypingUsers() []string
	IsOnline(userID string) bool
	Participants() []domain.Participant
	ConnectionBanner() string
	User() domain.Participant
}

type terminal struct {
	view view
	out  io.Writer

	mu     sync.Mutex
	seen   map[string]bool
	banner string
	typing string
}

func newTerminal(v view, out io.Writer) *terminal {
	return &terminal{view: v, out: out, seen: make(map[string]bool)}
}

// render prints whatever changed since the last call.
func (t *terminal) render() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if banner := t.view.ConnectionBanner(); banner != t.banner {
		t.banner = banner
		fmt.Fprintf(t.out, "-- %s\n", banner)
	}
	self := t.view.User().ID
	for _, m := range t.view.Messages() {
		if t.seen[m.ID] {
			continue
		}
		t.seen[m.ID] = true
		if m.SenderID == self {
			continue
		}
		fmt.Fprintf(t.out, "[%s] %s (%s): %s\n", m.Timestamp.Local().Format("15:04"), m.SenderName, m.SenderRole, m.Body)
	}
	typing := strings.Join(t.view.TypingUsers(), ", ")
	if typing != t.typing {
		t.typing = typing
		if typing != "" {
			fmt.Fprintf(t.out, "-- %s typing...\n", typing)
		}
	}
}

func (t *terminal) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := t.handleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one input line and reports whether the user quit.
func (t *terminal) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/read":
		t.view.MarkAllRead()
	case line == "/who":
		t.printPresence()
	case strings.HasPrefix(line, "/switch "):
		p, err := domain.ParseParticipant(strings.TrimSpace(strings.TrimPrefix(line, "/switch ")))
		if err == nil {
			err = t.view.SwitchIdentity(ctx, p)
		}
		if err != nil {
			fmt.Fprintf(t.out, "!! %v\n", err)
		} else {
			fmt.Fprintf(t.out, "-- now chatting as %s\n", p.Name)
		}
	default:
		t.view.InputChanged(line)
		sent, err := t.view.Send(line)
		switch {
		case err != nil:
			fmt.Fprintf(t.out, "!! send failed: %v\n", err)
		case !sent:
			fmt.Fprintf(t.out, "!! not sent: %s\n", t.view.ConnectionBanner())
		}
	}
	return false
}

func (t *terminal) printPresence() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.view.Participants() {
		status := "offline"
		if t.view.IsOnline(p.ID) {
			status = "online"
		}
		fmt.Fprintf(t.out, "   %s (%s, %s): %s\n", p.Name, p.ID, p.Role, status)
	}
	if typing := t.view.TypingUsers(); len(typing) > 0 {
		fmt.Fprintf(t.out, "   typing: %s\n", strings.Join(typing, ", "))
	}
}
