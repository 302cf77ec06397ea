package coordinator

import "sync"

// LogEvent is one fan-out item: a robot log line with its origin.
type LogEvent struct {
	RobotID string
	Entry   LogEntryPayload
}

// broadcaster fans robot log traffic out to observers. Channels are
// advisory: a slow subscriber loses events rather than blocking the
// coordinator's read loops.
type broadcaster struct {
	mu      sync.RWMutex
	nextID  int
	admin   map[int]chan LogEvent
	byRobot map[string]map[int]chan LogEvent
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		admin:   make(map[int]chan LogEvent),
		byRobot: make(map[string]map[int]chan LogEvent),
	}
}

// SubscribeAdmin observes log traffic from every robot.
func (b *broadcaster) SubscribeAdmin() (<-chan LogEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan LogEvent, 64)
	b.admin[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.admin, id)
	}
}

// SubscribeRobot observes one robot's log stream.
func (b *broadcaster) SubscribeRobot(robotID string) (<-chan LogEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan LogEvent, 64)
	subs := b.byRobot[robotID]
	if subs == nil {
		subs = make(map[int]chan LogEvent)
		b.byRobot[robotID] = subs
	}
	subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.byRobot[robotID], id)
		if len(b.byRobot[robotID]) == 0 {
			delete(b.byRobot, robotID)
		}
	}
}

func (b *broadcaster) publish(ev LogEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.admin {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range b.byRobot[ev.RobotID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
