package eventbus

import "log/slog"

const ringSize = 1024

// Lagged is delivered to a subscriber instead of the events it missed when
// its channel falls behind; N is how many events were dropped for it.
type Lagged struct{ N int }

type subscriber struct {
	id     uint64
	ch     chan any
	lagged int
}

type registration struct {
	sub   *subscriber
	reply chan *Subscription
}

// Subscription is a subscriber's read-only event channel plus a Close to
// unregister. Events delivers either an Event or a Lagged.
type Subscription struct {
	Events <-chan any
	id     uint64
	bus    *Bus
}

// Close unregisters the subscription; its channel is closed by the hub.
func (s *Subscription) Close() {
	select {
	case s.bus.unregisterCh <- s.id:
	case <-s.bus.done:
	}
}

// Bus is a broadcast channel with a bounded ring of ringSize events per
// subscriber; a lagging subscriber gets a Lagged signal and continues from
// the current head. One hub goroutine owns the subscriber set: all
// mutation happens on that goroutine, so the subscriber map needs no lock.
type Bus struct {
	publishCh    chan Event
	registerCh   chan registration
	unregisterCh chan uint64
	done         chan struct{}
}

// New starts the hub goroutine and returns a Bus ready to publish/subscribe.
func New() *Bus {
	b := &Bus{
		publishCh:    make(chan Event, 256),
		registerCh:   make(chan registration),
		unregisterCh: make(chan uint64),
		done:         make(chan struct{}),
	}
	go b.run()
	return b
}

// Close stops the hub goroutine. Subsequent Publish/Subscribe calls are
// no-ops.
func (b *Bus) Close() { close(b.done) }

// Publish emits ev to every current subscriber in emission order. Never
// blocks the caller on a slow subscriber — queueing happens per-subscriber
// in the hub loop, which drops and signals Lagged when a subscriber's
// channel is full.
func (b *Bus) Publish(ev Event) {
	select {
	case b.publishCh <- ev:
	case <-b.done:
	}
}

// Subscribe registers a new listener and returns its Subscription.
func (b *Bus) Subscribe() *Subscription {
	sub := &subscriber{ch: make(chan any, ringSize)}
	reply := make(chan *Subscription, 1)
	select {
	case b.registerCh <- registration{sub: sub, reply: reply}:
		return <-reply
	case <-b.done:
		closed := make(chan any)
		close(closed)
		return &Subscription{Events: closed, bus: b}
	}
}

func (b *Bus) run() {
	subs := make(map[uint64]*subscriber)
	var nextID uint64

	for {
		select {
		case <-b.done:
			for _, s := range subs {
				close(s.ch)
			}
			return

		case reg := <-b.registerCh:
			nextID++
			reg.sub.id = nextID
			subs[reg.sub.id] = reg.sub
			reg.reply <- &Subscription{Events: reg.sub.ch, id: reg.sub.id, bus: b}

		case id := <-b.unregisterCh:
			if s, ok := subs[id]; ok {
				close(s.ch)
				delete(subs, id)
			}

		case ev := <-b.publishCh:
			for _, s := range subs {
				// The last slot of each channel is held back (and delivery
				// paused while a drop count is pending) so a Lagged signal
				// always fits once events start being dropped.
				ch := s.ch
				if s.lagged > 0 || len(s.ch) >= cap(s.ch)-1 {
					ch = nil
				}
				select {
				case ch <- ev:
				default:
					s.lagged++
					slog.Warn("event subscriber lagging, dropping event", "subscriber", s.id, "lagged", s.lagged)
					select {
					case s.ch <- Lagged{N: s.lagged}:
						s.lagged = 0
					default:
					}
				}
			}
		}
	}
}
