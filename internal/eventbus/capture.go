package eventbus

import (
	"container/list"
	"sync"
	"time"
)

// TunnelState is RequestRecord's tunnel_state field.
type TunnelState int

const (
	TunnelNone TunnelState = iota
	TunnelConnected
	TunnelDisconnected
)

// RecordStatus is RequestRecord's status field.
type RecordStatus int

const (
	StatusRequestStarted RecordStatus = iota
	StatusCompleted
	StatusError
)

// Timings holds the optional monotonic timestamps recorded across a trace's
// lifecycle. Each setter is idempotent on first-write-wins.
type Timings struct {
	RequestStart      time.Time
	RequestBodyStart  time.Time
	RequestBodyEnd    time.Time
	ProxyStart        time.Time
	ProxyEnd          time.Time
	ResponseBodyStart time.Time
	ResponseBodyEnd   time.Time
	TunnelStart       time.Time
	TunnelEnd         time.Time
	WebSocketStart    time.Time
	WebSocketEnd      time.Time
	RequestEnd        time.Time
}

func setOnce(t *time.Time) {
	if t.IsZero() {
		*t = time.Now()
	}
}

// Record is the CaptureStore's in-memory projection of one trace.
type Record struct {
	TraceID            string
	RequestMeta        *RequestMeta
	RequestBodyBuffer  []byte
	ResponseMeta       *ResponseMeta
	ResponseBodyBuffer []byte
	TunnelState        TunnelState
	WebSocketLog       []WSFrame
	Status             RecordStatus
	ErrorReason        string
	Timings            Timings

	mu sync.Mutex
}

// CaptureStore is a keyed, bounded store of in-progress and completed
// request records, fed by subscribing once to an EventBus. Total records
// are bounded by maxLogSize, evicting oldest by insertion order, in memory
// only.
type CaptureStore struct {
	mu       sync.Mutex
	records  map[string]*Record
	order    *list.List // of trace ids, oldest first
	elems    map[string]*list.Element
	maxSize  int

	sub *Subscription
}

// NewCaptureStore subscribes to bus and starts consuming events into
// bounded in-memory records.
func NewCaptureStore(bus *Bus, maxLogSize int) *CaptureStore {
	if maxLogSize <= 0 {
		maxLogSize = 1000
	}
	cs := &CaptureStore{
		records: make(map[string]*Record),
		order:   list.New(),
		elems:   make(map[string]*list.Element),
		maxSize: maxLogSize,
		sub:     bus.Subscribe(),
	}
	go cs.consume()
	return cs
}

// Close stops consuming events from the bus.
func (cs *CaptureStore) Close() { cs.sub.Close() }

func (cs *CaptureStore) consume() {
	for msg := range cs.sub.Events {
		ev, ok := msg.(Event)
		if !ok {
			continue // Lagged: best-effort capture, continue from head.
		}
		cs.apply(ev)
	}
}

// Get returns the record for id, if present.
func (cs *CaptureStore) Get(id string) (*Record, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	r, ok := cs.records[id]
	return r, ok
}

func (cs *CaptureStore) getOrIgnore(id string) *Record {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.records[id]
}

func (cs *CaptureStore) insert(id string) *Record {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if r, ok := cs.records[id]; ok {
		return r
	}

	r := &Record{TraceID: id}
	cs.records[id] = r
	cs.elems[id] = cs.order.PushBack(id)

	for cs.order.Len() > cs.maxSize {
		oldest := cs.order.Front()
		oldestID := oldest.Value.(string)
		cs.order.Remove(oldest)
		delete(cs.elems, oldestID)
		delete(cs.records, oldestID)
	}

	return r
}

func (cs *CaptureStore) apply(ev Event) {
	switch ev.Kind {
	case RequestStart:
		r := cs.insert(ev.TraceID)
		r.mu.Lock()
		r.RequestMeta = ev.ReqMeta
		r.Status = StatusRequestStarted
		setOnce(&r.Timings.RequestStart)
		r.mu.Unlock()

	case RequestBody:
		r := cs.getOrIgnore(ev.TraceID)
		if r == nil {
			return // gate may have dropped it; silently ignored
		}
		r.mu.Lock()
		setOnce(&r.Timings.RequestBodyStart)
		if ev.BodyEnd {
			setOnce(&r.Timings.RequestBodyEnd)
		} else {
			r.RequestBodyBuffer = append(r.RequestBodyBuffer, ev.Body...)
		}
		r.mu.Unlock()

	case RequestEnd:
		r := cs.getOrIgnore(ev.TraceID)
		if r == nil {
			return
		}
		r.mu.Lock()
		setOnce(&r.Timings.RequestEnd)
		r.mu.Unlock()

	case ProxyStart:
		r := cs.getOrIgnore(ev.TraceID)
		if r == nil {
			return
		}
		r.mu.Lock()
		setOnce(&r.Timings.ProxyStart)
		r.mu.Unlock()

	case ResponseStart:
		r := cs.getOrIgnore(ev.TraceID)
		if r == nil {
			return
		}
		r.mu.Lock()
		r.ResponseMeta = ev.RespMeta
		r.mu.Unlock()

	case ResponseBody:
		r := cs.getOrIgnore(ev.TraceID)
		if r == nil {
			return
		}
		r.mu.Lock()
		setOnce(&r.Timings.ResponseBodyStart)
		if ev.BodyEnd {
			setOnce(&r.Timings.ResponseBodyEnd)
		} else {
			r.ResponseBodyBuffer = append(r.ResponseBodyBuffer, ev.Body...)
		}
		r.mu.Unlock()

	case ProxyEnd:
		r := cs.getOrIgnore(ev.TraceID)
		if r == nil {
			return
		}
		r.mu.Lock()
		setOnce(&r.Timings.ProxyEnd)
		r.Status = StatusCompleted
		r.mu.Unlock()

	case TunnelStart:
		r := cs.insert(ev.TraceID)
		r.mu.Lock()
		r.TunnelState = TunnelConnected
		setOnce(&r.Timings.TunnelStart)
		r.mu.Unlock()

	case TunnelEnd:
		r := cs.getOrIgnore(ev.TraceID)
		if r == nil {
			return
		}
		r.mu.Lock()
		r.TunnelState = TunnelDisconnected
		setOnce(&r.Timings.TunnelEnd)
		r.Status = StatusCompleted
		r.mu.Unlock()

	case WebSocketStart:
		r := cs.insert(ev.TraceID)
		r.mu.Lock()
		setOnce(&r.Timings.WebSocketStart)
		r.mu.Unlock()

	case WebSocketMessage:
		r := cs.getOrIgnore(ev.TraceID)
		if r == nil || ev.WSFrame == nil {
			return
		}
		r.mu.Lock()
		r.WebSocketLog = append(r.WebSocketLog, *ev.WSFrame)
		r.mu.Unlock()

	case WebSocketError, Error:
		r := cs.getOrIgnore(ev.TraceID)
		if r == nil {
			return
		}
		r.mu.Lock()
		r.Status = StatusError
		r.ErrorReason = ev.Reason
		setOnce(&r.Timings.WebSocketEnd)
		r.mu.Unlock()
	}
}
