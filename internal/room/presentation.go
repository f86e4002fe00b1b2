package room

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/metrics"
)

// Presentation tracks the single presenter slot of each room. A presenter is
// always a current member of its room.
type Presentation struct {
	reg     *Registry
	metrics *metrics.Metrics

	mu         sync.Mutex
	presenters map[string]string
}

func NewPresentation(reg *Registry, m *metrics.Metrics) *Presentation {
	if m == nil {
		m = &metrics.Metrics{}
	}
	return &Presentation{
		reg:        reg,
		metrics:    m,
		presenters: make(map[string]string),
	}
}

// Start makes memberID the presenter of roomID, displacing any previous
// presenter (last writer wins). ok is false, and nothing changes, when
// memberID is not a current member of the room.
func (p *Presentation) Start(roomID, memberID string) (previous string, ok bool) {
	if _, member := p.reg.Member(roomID, memberID); !member {
		return "", false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	previous = p.presenters[roomID]
	p.presenters[roomID] = memberID
	p.metrics.Inc(metrics.PresenterStart)
	if previous == memberID {
		previous = ""
	}
	return previous, true
}

// Stop clears the presenter only if it is memberID.
func (p *Presentation) Stop(roomID, memberID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.presenters[roomID]; !ok || current != memberID {
		p.metrics.Inc(metrics.PresenterStale)
		return false
	}
	delete(p.presenters, roomID)
	p.metrics.Inc(metrics.PresenterStop)
	return true
}

// OnMemberLeft clears the slot if the leaving member was presenting. It must
// run before the member is removed from the registry.
func (p *Presentation) OnMemberLeft(roomID, memberID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.presenters[roomID]; !ok || current != memberID {
		return false
	}
	delete(p.presenters, roomID)
	p.metrics.Inc(metrics.PresenterLeft)
	return true
}

func (p *Presentation) Presenter(roomID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.presenters[roomID]
}
