// Package media owns the client's single outbound video source and the
// per-link sender slot it feeds. Switching between camera and screen swaps
// the track on every live link without renegotiation.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Source is one capture stream (camera or screen).
type Source interface {
	Track() webrtc.TrackLocal
	// Done is closed when the stream ends on its own, e.g. the user stops a
	// screen share.
	Done() <-chan struct{}
	Close() error
}

type Capturer interface {
	Camera(ctx context.Context) (Source, error)
	Screen(ctx context.Context) (Source, error)
}

// Sender is the part of *webrtc.RTPSender the manager drives.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

type Manager struct {
	capturer Capturer
	log      *slog.Logger

	// op serializes Start, ShareScreen, RevertToCamera and
	// ReplaceOutboundVideo. mu guards the fields below and is never held
	// while a capture is being acquired.
	op sync.Mutex

	mu       sync.Mutex
	camera   Source
	screen   Source
	current  Source
	slots    map[string]Sender
	onChange func(sharing bool)
	closed   bool

	failures atomic.Uint64
}

func NewManager(capturer Capturer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		capturer: capturer,
		log:      logger,
		slots:    make(map[string]Sender),
	}
}

// OnSourceChange registers fn to run after every switch between camera and
// screen, including the automatic revert when a screen source ends.
func (m *Manager) OnSourceChange(fn func(sharing bool)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Start acquires the camera as the initial outbound source.
func (m *Manager) Start(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	cam, err := m.capturer.Camera(ctx)
	if err != nil {
		return fmt.Errorf("start camera: %w", err)
	}

	m.mu.Lock()
	old := m.camera
	m.camera = cam
	if m.screen == nil {
		m.logPartial(m.substituteLocked(cam))
	}
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Attach adds the current outbound video to pc and records the sender slot
// for remoteID. Without a current source pc only receives video.
func (m *Manager) Attach(remoteID string, pc *webrtc.PeerConnection) (*webrtc.RTPSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return nil, fmt.Errorf("add recvonly video for %s: %w", remoteID, err)
		}
		return nil, nil
	}

	sender, err := pc.AddTrack(m.current.Track())
	if err != nil {
		return nil, fmt.Errorf("attach outbound video for %s: %w", remoteID, err)
	}
	m.slots[remoteID] = sender
	go drainRTCP(sender)
	return sender, nil
}

// Detach forgets the slot of remoteID. It does not touch the PeerConnection.
func (m *Manager) Detach(remoteID string) {
	m.mu.Lock()
	delete(m.slots, remoteID)
	m.mu.Unlock()
}

// Links returns the number of attached slots.
func (m *Manager) Links() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// ReplaceOutboundVideo makes src the current source and switches every live
// slot to it. A *PartialSubstitutionError reports slots that kept the old
// track; it is informational.
func (m *Manager) ReplaceOutboundVideo(src Source) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.substituteLocked(src)
}

// ShareScreen switches every link to a newly acquired screen source. If the
// screen cannot be acquired, nothing changes and the capture error is
// returned. When the screen source ends the manager reverts to the camera.
func (m *Manager) ShareScreen(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	src, err := m.capturer.Screen(ctx)
	if err != nil {
		return fmt.Errorf("share screen: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = src.Close()
		return errors.New("media: manager closed")
	}
	previous := m.screen
	m.screen = src
	m.logPartial(m.substituteLocked(src))
	notify := m.onChange
	m.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	go m.watchScreen(src)

	if notify != nil {
		notify(true)
	}
	return nil
}

// RevertToCamera switches back from the screen to the camera, re-acquiring
// the camera if it is missing or has ended. If that fails the screen stays
// active and the error is returned.
func (m *Manager) RevertToCamera(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.revertLocked(ctx, nil)
}

// revertLocked requires m.op. If only is non-nil, it reverts only while only
// is still the active screen.
func (m *Manager) revertLocked(ctx context.Context, only Source) error {
	m.mu.Lock()
	screen, camera := m.screen, m.camera
	m.mu.Unlock()

	if screen == nil || (only != nil && screen != only) {
		return nil
	}

	if camera == nil || ended(camera) {
		cam, err := m.capturer.Camera(ctx)
		if err != nil {
			return fmt.Errorf("revert to camera: %w", err)
		}
		if camera != nil {
			_ = camera.Close()
		}
		camera = cam
	}

	m.mu.Lock()
	m.camera = camera
	m.screen = nil
	m.logPartial(m.substituteLocked(camera))
	notify := m.onChange
	m.mu.Unlock()

	_ = screen.Close()
	if notify != nil {
		notify(false)
	}
	return nil
}

func (m *Manager) watchScreen(src Source) {
	<-src.Done()

	m.op.Lock()
	defer m.op.Unlock()
	if err := m.revertLocked(context.Background(), src); err != nil {
		m.log.Warn("screen share ended but camera could not be restored", "err", err)
	}
}

// Sharing reports whether the screen is the current source.
func (m *Manager) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil && m.current == m.screen
}

func (m *Manager) Current() Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SubstitutionFailures counts per-link ReplaceTrack failures since creation.
func (m *Manager) SubstitutionFailures() uint64 {
	return m.failures.Load()
}

// Close releases every source. Slots are left to their PeerConnections.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sources := []Source{m.camera, m.screen}
	m.camera, m.screen, m.current = nil, nil, nil
	m.mu.Unlock()

	var errs []error
	for _, src := range sources {
		if src != nil {
			errs = append(errs, src.Close())
		}
	}
	return errors.Join(errs...)
}

// substituteLocked requires m.mu.
func (m *Manager) substituteLocked(src Source) error {
	m.current = src
	if src == nil {
		return nil
	}

	var failed map[string]error
	for remoteID, sender := range m.slots {
		if err := sender.ReplaceTrack(src.Track()); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[remoteID] = err
			m.failures.Add(1)
			m.log.Warn("failed to replace outbound video", "remote_id", remoteID, "err", err)
		}
	}
	if failed != nil {
		return &PartialSubstitutionError{Failed: failed}
	}
	return nil
}

func (m *Manager) logPartial(err error) {
	if err != nil {
		m.log.Warn("outbound video switched on some links only", "err", err)
	}
}

func ended(src Source) bool {
	select {
	case <-src.Done():
		return true
	default:
		return false
	}
}

// drainRTCP reads incoming RTCP so the interceptors (NACK, reports) see it.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
