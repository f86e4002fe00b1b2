// Package console renders a mesh session in the terminal: one table row per
// remote member (the "tiles"), a spotlight line for the presenter, and a
// running log of room events.
package console

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshclient"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/negotiation"
)

const maxNameWidth = 24

type tile struct {
	name  string
	audio bool
	video bool
	state negotiation.State
	// Tracks seen; the link may be up before any media arrives.
	tracks  int
	packets atomic.Uint64
}

// Console implements meshclient.Observer. Events are written to w as they
// happen; View renders the current room.
type Console struct {
	w io.Writer

	mu        sync.Mutex
	self      string
	room      string
	order     []string
	tiles     map[string]*tile
	presenter string
}

var _ meshclient.Observer = (*Console)(nil)

func New(w io.Writer) *Console {
	return &Console{w: w, tiles: make(map[string]*tile)}
}

// SetSelf records the local member for the header line.
func (c *Console) SetSelf(roomID, displayName string) {
	c.mu.Lock()
	c.room, c.self = roomID, displayName
	c.mu.Unlock()
}

func (c *Console) MemberJoined(info meshproto.MemberInfo) {
	c.mu.Lock()
	if _, ok := c.tiles[info.MemberID]; !ok {
		c.order = append(c.order, info.MemberID)
		c.tiles[info.MemberID] = &tile{}
	}
	t := c.tiles[info.MemberID]
	t.name, t.audio, t.video = info.DisplayName, info.Audio, info.Video
	c.mu.Unlock()

	c.event("%s joined", displayName(info.DisplayName))
}

func (c *Console) MemberLeft(memberID, name string) {
	c.mu.Lock()
	if t, ok := c.tiles[memberID]; ok && name == "" {
		name = t.name
	}
	delete(c.tiles, memberID)
	for i, id := range c.order {
		if id == memberID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.event("%s left", displayName(name))
}

func (c *Console) PresentationStarted(memberID, name string) {
	c.mu.Lock()
	c.presenter = memberID
	if name == "" {
		if t, ok := c.tiles[memberID]; ok {
			name = t.name
		}
	}
	c.mu.Unlock()

	c.event("%s is presenting", displayName(name))
}

func (c *Console) PresentationStopped(memberID string) {
	c.mu.Lock()
	if c.presenter == memberID {
		c.presenter = ""
	}
	c.mu.Unlock()

	c.event("presentation ended")
}

func (c *Console) RemoteTrack(memberID string, track *webrtc.TrackRemote) {
	c.mu.Lock()
	t, ok := c.tiles[memberID]
	if ok {
		t.tracks++
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	// Drain the track; the console has no decoder, it only counts.
	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
			t.packets.Add(1)
		}
	}()
}

func (c *Console) Chat(_, name, text string) {
	fmt.Fprintf(c.w, "%s %s\n", ChatNameStyle.Render(displayName(name)+":"), text)
}

func (c *Console) MediaUpdated(memberID string, audio, video bool) {
	c.mu.Lock()
	if t, ok := c.tiles[memberID]; ok {
		t.audio, t.video = audio, video
	}
	c.mu.Unlock()
}

func (c *Console) LinkStateChanged(memberID string, state negotiation.State) {
	c.mu.Lock()
	if t, ok := c.tiles[memberID]; ok {
		t.state = state
	}
	c.mu.Unlock()
}

// Error prints err in the error style.
func (c *Console) Error(err error) {
	if err == nil || errors.Is(err, io.EOF) {
		return
	}
	fmt.Fprintln(c.w, ErrorStyle.Render(err.Error()))
}

// View renders the header, the spotlight line and the tile table.
func (c *Console) View() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("room %s · you are %s", c.room, displayName(c.self))))
	b.WriteString("\n")

	if t, ok := c.tiles[c.presenter]; ok {
		b.WriteString(SpotlightStyle.Render("spotlight: " + displayName(t.name)))
	} else {
		b.WriteString(MutedStyle.Render("spotlight: none"))
	}
	b.WriteString("\n")

	if len(c.order) == 0 {
		b.WriteString(MutedStyle.Render("nobody else is here"))
		return b.String()
	}

	rows := make([][]string, 0, len(c.order))
	for _, id := range c.order {
		t := c.tiles[id]
		name := truncate(displayName(t.name), maxNameWidth)
		if id == c.presenter {
			name = "★ " + name
		}
		rows = append(rows, []string{
			name,
			t.state.String(),
			onOff(t.audio),
			onOff(t.video),
			fmt.Sprintf("%d", t.packets.Load()),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tableBorderStyle).
		Headers("Member", "Link", "Audio", "Video", "RTP").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return tableHeaderStyle
			case row%2 == 0:
				return tableRowStyle
			default:
				return tableRowAltStyle
			}
		})
	b.WriteString(tbl.Render())
	return b.String()
}

func (c *Console) Render() {
	fmt.Fprintln(c.w, c.View())
}

func (c *Console) event(format string, args ...any) {
	fmt.Fprintln(c.w, EventStyle.Render("• "+fmt.Sprintf(format, args...)))
}

func displayName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "Guest"
	}
	return name
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
