package app

import (
	"context"
	"fmt"

	"e2e_relay/internal/service/messenger"
	"e2e_relay/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	// Chat is the part of messenger.Messenger the UI drives.
	Chat interface {
		Send(ctx context.Context, to string, text []byte) (string, error)
		Events() <-chan messenger.Event
	}

	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		chat   Chat
		toName string
	}
)

func NewApp(chat Chat, toName string) *App {
	return &App{
		app:    tview.NewApplication(),
		chat:   chat,
		toName: toName,
	}
}

// Run blocks until the UI is closed or ctx is done.
func (c *App) Run(ctx context.Context) error {
	c.build(ctx)

	stop := context.AfterFunc(ctx, c.app.Stop)
	defer stop()

	go c.listen()

	return c.app.SetRoot(c.layout(), true).SetFocus(c.input).Run()
}

func (c *App) Stop() {
	c.app.Stop()
}

func (c *App) build(ctx context.Context) {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s (offline) ", c.toName))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")
		fmt.Fprintf(c.chatbox, "[yellow]You:[-] %s\n", tview.Escape(text))
		c.chatbox.ScrollToEnd()

		go func(msg string) {
			if _, err := c.chat.Send(ctx, c.toName, []byte(msg)); err != nil {
				log.Error("send message failed", zap.Error(err))
				c.println(fmt.Sprintf("[red]not sent: %s[-]", tview.Escape(err.Error())))
			}
		}(text)
	})
}

func (c *App) layout() tview.Primitive {
	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)
}

func (c *App) println(line string) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintln(c.chatbox, line)
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) listen() {
	for ev := range c.chat.Events() {
		if ev, ok := ev.(messenger.OnlineChanged); ok {
			status := "offline"
			if ev.Online {
				status = "online"
			}
			c.app.QueueUpdateDraw(func() {
				c.chatbox.SetTitle(fmt.Sprintf(" Chat with %s (%s) ", c.toName, status))
			})
			continue
		}
		if line, ok := describe(ev); ok {
			c.println(line)
		}
	}
}

// describe renders a messenger event as a chat line.
func describe(ev messenger.Event) (string, bool) {
	switch ev := ev.(type) {
	case messenger.MessageReceived:
		return fmt.Sprintf("[green]%s:[-] %s", ev.From, tview.Escape(string(ev.Text))), true
	case messenger.MessageSent:
		return fmt.Sprintf("[gray]delivered to relay (%s)[-]", shortID(ev.MessageID)), true
	case messenger.MessageFailed:
		return fmt.Sprintf("[red]message %s to %s failed: %s[-]", shortID(ev.MessageID), ev.To, tview.Escape(ev.Err.Error())), true
	}
	return "", false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
