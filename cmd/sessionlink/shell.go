package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/sessionlink/internal/link"
	"github.com/alexjbarnes/sessionlink/internal/replica"
)

// engineAPI is the part of the engine the shell drives.
type engineAPI interface {
	SendPrompt(ctx context.Context, req link.PromptRequest) (replica.Message, error)
	Subscribe(ctx context.Context, sessionID string) error
	MarkRead(ctx context.Context, sessionID string) error
	Compact(ctx context.Context, sessionID string) (link.CompactionResult, error)
	Kill(ctx context.Context, sessionID string) error
	ForceUnlock(ctx context.Context, sessionID string) error
	Reconnect(ctx context.Context) error
	RefreshSessions(ctx context.Context) ([]replica.Session, error)
	Status() link.Status
}

// shell interprets one line of user input.
type shell struct {
	engine engineAPI
	focus  *activeSession
	logger *slog.Logger
	out    io.Writer
}

func (s *shell) exec(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if !strings.HasPrefix(line, "/") {
		s.prompt(ctx, line)
		return
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "sub", "use":
		if arg == "" {
			fmt.Fprintf(s.out, "usage: /%s <session>\n", cmd)
			return
		}
	case "compact", "kill", "unlock":
		if s.focus.get() == "" {
			fmt.Fprintln(s.out, "no active session, use /use <session>")
			return
		}
	}

	var err error

	switch cmd {
	case "sub":
		err = s.engine.Subscribe(ctx, arg)

	case "use":
		s.focus.set(arg)

		if err = s.engine.Subscribe(ctx, arg); err == nil {
			err = s.engine.MarkRead(ctx, arg)
		}

	case "compact":
		var res link.CompactionResult

		res, err = s.engine.Compact(ctx, s.focus.get())
		if err == nil {
			if res.Success {
				fmt.Fprintf(s.out, "compacted %s: %d -> %d messages\n", res.SessionID, res.OldMessageCount, res.NewMessageCount)
			} else {
				fmt.Fprintf(s.out, "compaction failed: %s\n", res.Error)
			}
		}

	case "kill":
		err = s.engine.Kill(ctx, s.focus.get())

	case "unlock":
		err = s.engine.ForceUnlock(ctx, s.focus.get())

	case "reconnect":
		err = s.engine.Reconnect(ctx)

	case "sessions":
		var sessions []replica.Session

		sessions, err = s.engine.RefreshSessions(ctx)
		for _, sess := range sessions {
			fmt.Fprintf(s.out, "%s\t%s\t%d messages\t%d unread\n", sess.ID, sess.Name, sess.MessageCount, sess.UnreadCount)
		}

	case "status":
		st := s.engine.Status()
		fmt.Fprintf(s.out, "phase=%s connected=%t authenticated=%t reauth=%t attempt=%d network=%s last_error=%q\n",
			st.Phase, st.Connected, st.Authenticated, st.RequiresReauth, st.ReconnectAttempt, st.Network, st.LastError)

	default:
		fmt.Fprintf(s.out, "unknown command /%s\n", cmd)
	}

	if err != nil {
		s.report(cmd, err)
	}
}

func (s *shell) prompt(ctx context.Context, text string) {
	msg, err := s.engine.SendPrompt(ctx, link.PromptRequest{SessionID: s.focus.get(), Text: text})
	if err != nil {
		s.report("prompt", err)
		return
	}

	// A prompt without a session starts one; follow it.
	if s.focus.get() == "" {
		s.focus.set(msg.SessionID)
		fmt.Fprintf(s.out, "started session %s\n", msg.SessionID)
	}
}

func (s *shell) report(what string, err error) {
	if link.IsNotConnected(err) {
		fmt.Fprintf(s.out, "%s: not connected\n", what)
		return
	}

	s.logger.Warn("command failed", slog.String("command", what), slog.String("error", err.Error()))
	fmt.Fprintf(s.out, "%s: %v\n", what, err)
}
