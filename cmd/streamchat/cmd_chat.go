package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/comigor/streamchat/internal/chat"
	"github.com/comigor/streamchat/internal/engine"
)

const chatHelp = `commands:
  /new               start a new chat
  /list              list chats
  /switch <id>       switch to a chat (id prefix is enough)
  /delete <id>       delete a chat
  /image <path>      attach an image to the next message
  /detach            remove the attached image
  /search on|off     toggle web search for the next message
  /models            fetch models and select the first one
  /model <id>        select a model
  /cancel            stop the reply being streamed
  /clear             clear the current chat
  /history           print the archived transcript
  /quit              exit`

// chatCmd runs an interactive session on stdin.
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat with multiple sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := &printer{w: cmd.OutOrStdout()}
		e := newEngine(engineObserver(out))
		defer e.Close()

		r := &repl{ctx: cmd.Context(), e: e, out: cmd.OutOrStdout(), printer: out}
		return r.run(cmd.InOrStdin())
	},
}

func engineObserver(p *printer) engine.Option {
	return engine.WithSessionObserver(p.observe)
}

type repl struct {
	ctx     context.Context
	e       *engine.Engine
	out     io.Writer
	printer *printer
}

func (r *repl) run(in io.Reader) error {
	r.greet()
	fmt.Fprintln(r.out, "type /help for commands")

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(line)
			if err != nil {
				fmt.Fprintf(r.out, "! %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := r.send(line); err != nil {
			fmt.Fprintf(r.out, "! %v (%s)\n", err, engine.ErrorKind(err))
		}
		if r.ctx.Err() != nil {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	// input ran out; let the last reply finish before the engine closes.
	// Its failure was already printed.
	r.e.Wait(r.ctx, r.e.ActiveSession())
	return nil
}

func (r *repl) active() (*chat.Store, error) {
	return r.e.Store(r.e.ActiveSession())
}

func (r *repl) greet() {
	id := r.e.ActiveSession()
	r.printer.watch(id)
	snap, err := r.e.Snapshot(id)
	if err != nil {
		return
	}
	for _, m := range snap.Messages {
		fmt.Fprintf(r.out, "%s: %s\n", m.Role, m.Content)
	}
}

func (r *repl) send(text string) error {
	store, err := r.active()
	if err != nil {
		return err
	}
	store.SetDraftText(text)
	if store.HasAttachedImage() {
		fmt.Fprintln(r.out, "(with image)")
	}
	return r.e.Submit(r.ctx, store.ID())
}

func (r *repl) command(line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/quit", "/exit":
		return true, nil
	case "/new":
		r.e.NewSession()
		r.greet()
	case "/list":
		for _, s := range r.e.Sessions() {
			marker := " "
			if s.Active {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %s  %-33s %s  %s\n", marker, s.ID[:8], s.Title, s.UpdatedAt.Format(time.Kitchen), s.LastMessagePreview)
		}
	case "/switch":
		id, err := r.resolve(arg)
		if err != nil {
			return false, err
		}
		if err := r.e.SwitchSession(id); err != nil {
			return false, err
		}
		r.greet()
	case "/delete":
		id, err := r.resolve(arg)
		if err != nil {
			return false, err
		}
		if err := r.e.DeleteSession(r.ctx, id); err != nil {
			return false, err
		}
		if r.e.ActiveSession() == "" {
			r.e.NewSession()
		}
		r.greet()
	case "/image":
		ref, err := imageFromFile(arg)
		if err != nil {
			return false, err
		}
		store, err := r.active()
		if err != nil {
			return false, err
		}
		store.AttachImage(ref)
		fmt.Fprintf(r.out, "attached %s (%d bytes)\n", ref.Name, ref.Size)
	case "/detach":
		store, err := r.active()
		if err != nil {
			return false, err
		}
		store.DetachImage()
	case "/search":
		store, err := r.active()
		if err != nil {
			return false, err
		}
		on := arg != "off"
		store.SetWebSearch(on)
		if on {
			fmt.Fprintln(r.out, "web search on")
		} else {
			fmt.Fprintln(r.out, "web search off")
		}
	case "/models":
		for _, m := range r.e.Models(r.ctx) {
			fmt.Fprintf(r.out, "  %s\t%s\n", m.ID, m.Name)
		}
		fmt.Fprintf(r.out, "using %s\n", r.e.Model())
	case "/model":
		if err := r.e.SelectModel(arg); err != nil {
			return false, err
		}
	case "/cancel":
		return false, r.e.Cancel(r.e.ActiveSession())
	case "/clear":
		if err := r.e.Clear(r.ctx, r.e.ActiveSession()); err != nil {
			return false, err
		}
		r.greet()
	case "/history":
		entries, err := r.e.Transcript(r.ctx, r.e.ActiveSession())
		if err != nil {
			return false, err
		}
		for _, en := range entries {
			fmt.Fprintf(r.out, "%s %s: %s\n", en.CreatedAt.Format(time.TimeOnly), en.Role, en.Content)
		}
	default:
		return false, fmt.Errorf("unknown command %s, try /help", name)
	}
	return false, nil
}

// resolve expands an id prefix to a session id.
func (r *repl) resolve(prefix string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("missing session id")
	}
	var match string
	for _, s := range r.e.Sessions() {
		if strings.HasPrefix(s.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("ambiguous session id %s", prefix)
			}
			match = s.ID
		}
	}
	if match == "" {
		// let the engine report it
		return prefix, nil
	}
	return match, nil
}
