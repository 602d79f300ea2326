package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/client"
)

type repl struct {
	client *client.Client
	in     io.Reader
	out    io.Writer
	html   bool
	logger *slog.Logger
}

const prompt = "> "

func (r repl) run(ctx context.Context) error {
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	fmt.Fprint(r.out, prompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
		case "/quit", "/exit":
			return nil
		case "/new":
			if err := r.client.Reset(); err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			} else {
				fmt.Fprintln(r.out, "Started a new conversation.")
			}
		case "/history":
			for _, msg := range r.client.History() {
				fmt.Fprintf(r.out, "[%s] %s\n", msg.Role, msg.Content)
			}
		default:
			if err := r.turn(ctx, line); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(r.out, "\nerror: %s\n", describe(err))
			}
		}

		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(r.out, prompt)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading input: %w", err)
	}
	return nil
}

// turn sends line and prints the reply as it arrives: the new text of each partial, or the HTML of
// the full reply once it completed.
func (r repl) turn(ctx context.Context, line string) error {
	var printed int
	var html string

	err := r.client.SendTurn(ctx, line, client.ObserverFunc(func(e client.Event) {
		switch e.Type {
		case client.EventPartial:
			html = e.HTML
			if r.html || len(e.Text) < printed {
				return
			}
			fmt.Fprint(r.out, e.Text[printed:])
			printed = len(e.Text)
		case client.EventDone:
			if r.html {
				fmt.Fprint(r.out, html)
			}
			fmt.Fprintln(r.out)
			r.logger.Debug("Turn finished", slog.Int("history", len(e.History)))
		}
	}))
	return err
}

func describe(err error) string {
	var cerr *client.Error
	if !errors.As(err, &cerr) {
		return err.Error()
	}
	switch cerr.Kind {
	case client.KindRequestTimeout:
		return "the backend took too long to respond. " + cerr.Error()
	case client.KindStreamStalled:
		return "the reply stopped arriving. " + cerr.Error()
	case client.KindServerError:
		return "the backend returned an error. " + cerr.Error()
	default:
		return "could not reach the backend. " + cerr.Error()
	}
}
