package commands

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"

	"prism-board/client"
	"prism-board/domain"
)

var (
	green   = color.New(color.FgGreen)
	yellow  = color.New(color.FgYellow)
	red     = color.New(color.FgRed, color.Bold)
	cyan    = color.New(color.FgCyan)
	magenta = color.New(color.FgMagenta)
	faint   = color.New(color.Faint)
	bold    = color.New(color.Bold)
)

// shownError has already been printed to the user.
type shownError struct{ title string }

func (e *shownError) Error() string { return e.title }

// fail prints a titled explanation with suggestions to stderr and returns an
// error cobra will not print again.
func fail(title, explanation string, suggestions []string) error {
	w := rootCmd.ErrOrStderr()
	red.Fprintf(w, "%s\n", title)
	if explanation != "" {
		fmt.Fprintf(w, "\n%s\n", explanation)
	}
	if len(suggestions) == 1 {
		fmt.Fprintf(w, "\n%s\n", suggestions[0])
	} else if len(suggestions) > 1 {
		fmt.Fprintf(w, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(w, "  %d. %s\n", i+1, s)
		}
	}
	return &shownError{title: title}
}

func formatKey(k float64) string {
	return strconv.FormatFloat(k, 'g', -1, 64)
}

// renderBoard prints the board as an indented tree in display order.
func renderBoard(w io.Writer, cache *client.BoardCache) {
	b := cache.Board()
	bold.Fprintf(w, "%s", b.Title)
	faint.Fprintf(w, "  %s  owner=%s", b.ID, b.OwnerID)
	if len(b.Members) > 0 {
		faint.Fprintf(w, " members=%v", b.Members)
	}
	fmt.Fprintln(w)
	for _, list := range cache.Children(b.ID) {
		cyan.Fprintf(w, "  %s", list.Title)
		faint.Fprintf(w, "  %s @%s\n", list.ID, formatKey(list.OrderKey))
		cards := cache.Children(list.ID)
		if len(cards) == 0 {
			faint.Fprintln(w, "    (empty)")
		}
		for _, card := range cards {
			fmt.Fprintf(w, "    - %s", card.Title)
			faint.Fprintf(w, "  %s @%s\n", card.ID, formatKey(card.OrderKey))
		}
	}
}

// describe renders one realtime message. It must run before the message is
// applied so deleted and moved items still resolve against the cache.
func describe(msg domain.Message, cache *client.BoardCache) string {
	p := msg.Payload
	title := func(id string) string {
		if it, ok := cache.Item(id); ok {
			return fmt.Sprintf("%s %q", it.Kind, it.Title)
		}
		if id == cache.BoardID() {
			return fmt.Sprintf("board %q", cache.Board().Title)
		}
		return id
	}
	if p.Item == nil && msg.ActionType != domain.ActionMemberAdded {
		return fmt.Sprintf("? %s %s", msg.ActionType, p.EventID)
	}
	switch msg.ActionType {
	case domain.ActionCreated:
		return green.Sprintf("+ %s created %s %q in %s", p.Actor, p.Item.Kind, p.Item.Title, title(p.Item.ContainerID))
	case domain.ActionUpdated:
		return yellow.Sprintf("~ %s edited %s, title now %q", p.Actor, title(p.Item.ID), p.Item.Title)
	case domain.ActionDeleted:
		return red.Sprintf("- %s deleted %s", p.Actor, title(p.Item.ID))
	case domain.ActionMoved:
		return cyan.Sprintf("> %s moved %s to %s @%s", p.Actor, title(p.Item.ID), title(p.Item.ContainerID), formatKey(p.Item.OrderKey))
	case domain.ActionMemberAdded:
		return magenta.Sprintf("* %s added member %s", p.Actor, p.Member)
	}
	return fmt.Sprintf("? %s %s", msg.ActionType, p.EventID)
}
