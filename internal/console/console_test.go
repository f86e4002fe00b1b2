package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/negotiation"
)

func TestConsole_TilesFollowRoomEvents(t *testing.T) {
	var out bytes.Buffer
	c := New(&out)
	c.SetSelf("r1", "carol")

	c.MemberJoined(meshproto.MemberInfo{MemberID: "m1", DisplayName: "alice", Audio: true, Video: true})
	c.MemberJoined(meshproto.MemberInfo{MemberID: "m2", DisplayName: "", Audio: true, Video: true})
	c.LinkStateChanged("m1", negotiation.StateConnected)
	c.MediaUpdated("m1", false, true)
	c.PresentationStarted("m1", "alice")

	view := c.View()
	for _, want := range []string{"room r1", "carol", "spotlight: alice", "★ alice", "connected", "Guest"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	aliceRow := rowContaining(view, "alice")
	if !strings.Contains(aliceRow, "off") || !strings.Contains(aliceRow, "on") {
		t.Fatalf("alice row %q does not show audio off, video on", aliceRow)
	}

	c.MemberLeft("m1", "")
	view = c.View()
	if strings.Contains(view, "alice") {
		t.Fatalf("alice still shown after leaving:\n%s", view)
	}
	if !strings.Contains(view, "spotlight: none") {
		t.Fatalf("spotlight kept for departed presenter:\n%s", view)
	}

	log := out.String()
	for _, want := range []string{"alice joined", "Guest joined", "alice is presenting", "alice left"} {
		if !strings.Contains(log, want) {
			t.Fatalf("event log missing %q:\n%s", want, log)
		}
	}
}

func TestConsole_EmptyRoomAndChat(t *testing.T) {
	var out bytes.Buffer
	c := New(&out)
	c.SetSelf("r1", "carol")

	if view := c.View(); !strings.Contains(view, "nobody else is here") {
		t.Fatalf("empty room view:\n%s", view)
	}

	c.Chat("m1", "alice", "hello there")
	if got := out.String(); !strings.Contains(got, "alice:") || !strings.Contains(got, "hello there") {
		t.Fatalf("chat line=%q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate(short)=%q", got)
	}
	if got := truncate("abcdefghijkl", 5); got != "abcd…" {
		t.Fatalf("truncate=%q, want abcd…", got)
	}
}

func rowContaining(view, s string) string {
	for _, line := range strings.Split(view, "\n") {
		if strings.Contains(line, s) && strings.Contains(line, "│") {
			return line
		}
	}
	return ""
}
