package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// controls is the part of *meshclient.Session driven from stdin.
type controls interface {
	ShareScreen(ctx context.Context) error
	StopSharing(ctx context.Context) error
	SetMedia(audio, video bool) error
	SendChat(text string) error
}

type view interface {
	Render()
	Error(err error)
}

const helpText = `commands:
  /share         present the screen file
  /stop          stop presenting
  /mute /unmute  toggle the announced audio state
  /video on|off  toggle the announced video state
  /who           redraw the room
  /quit          leave the room
anything else is sent as chat`

type commandLoop struct {
	session controls
	view    view
	out     io.Writer

	audio bool
	video bool
}

func newCommandLoop(session controls, v view, out io.Writer, hasCamera bool) *commandLoop {
	return &commandLoop{session: session, view: v, out: out, audio: true, video: hasCamera}
}

// run reads lines from r until EOF, /quit or ctx is done. It returns true
// when the user asked to leave.
func (l *commandLoop) run(ctx context.Context, r io.Reader) bool {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				return false
			}
			quit, err := l.handle(ctx, line)
			if err != nil {
				l.view.Error(err)
			}
			if quit {
				return true
			}
		}
	}
}

func (l *commandLoop) handle(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, l.session.SendChat(line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/leave":
		return true, nil
	case "/share":
		return false, l.session.ShareScreen(ctx)
	case "/stop":
		return false, l.session.StopSharing(ctx)
	case "/mute":
		return false, l.setMedia(false, l.video)
	case "/unmute":
		return false, l.setMedia(true, l.video)
	case "/video":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return false, fmt.Errorf("usage: /video on|off")
		}
		return false, l.setMedia(l.audio, fields[1] == "on")
	case "/who":
		l.view.Render()
		return false, nil
	case "/help":
		fmt.Fprintln(l.out, helpText)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
}

func (l *commandLoop) setMedia(audio, video bool) error {
	if err := l.session.SetMedia(audio, video); err != nil {
		return err
	}
	l.audio, l.video = audio, video
	return nil
}
