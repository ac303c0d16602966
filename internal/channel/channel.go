// Package channel implements the flow-controlled, reference-counted
// conduits that processes use to exchange data with each other and with
// external transport. A channel has at most one receiver (either a process
// endpoint or a callback) and any number of senders, listeners, and holder
// tokens; it self-destructs once nothing references it.
package channel

import (
	"errors"
	"sync"

	"vworld/internal/ids"
)

// Status is the flow state of a channel, visible to every peer.
type Status int

const (
	// Blocked is the initial status: the channel exists but rejects sends
	// until explicitly unblocked. This lets a caller finish wiring up
	// receivers and listeners before data starts flowing.
	Blocked Status = iota
	Open
	Closed
	Destructed
)

func (s Status) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Blocked:
		return "BLOCKED"
	case Closed:
		return "CLOSED"
	case Destructed:
		return "DESTRUCTED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrClosed is returned by Send once the channel has transitioned to CLOSED.
	ErrClosed = errors.New("channel: closed")
	// ErrBlocked is returned by Send while the channel is BLOCKED or out of credit.
	ErrBlocked = errors.New("channel: blocked")
)

// Sender is the subset of the scheduler a channel needs to deliver a message
// to a process receiver: the scheduler's own SendMessage operation. Kept as
// an interface (rather than importing package sched) so channel and sched
// have no import cycle between them.
type Sender interface {
	SendMessage(pid ids.ID, rid ids.ID, body any) bool
}

// processEndpoint identifies a process-owned receiver or sender endpoint.
type processEndpoint struct {
	pid ids.ID
	rid ids.ID
}

// ReceiverCallback is invoked directly, instead of going through the
// scheduler, when the channel's receiver is a bare callback rather than a
// process (e.g. a document writer attached to a `>>` redirect).
type ReceiverCallback func(item any) error

// Listener is notified of every flow-status transition. OnDestroyed is
// called for listeners still registered at disposal; because a registered
// listener counts as a reference, disposal only happens once every listener
// has been removed, so in practice no listener receives OnDestroyed.
type Listener interface {
	OnFlowStatus(name string, status Status)
	OnDestroyed(name string)
}

// HolderToken is an opaque handle returned by Hold that keeps a channel
// alive until Released. It replaces raw pointer-identity bookkeeping:
// disposal depends only on the count of outstanding tokens, not on any
// particular pointer's lifetime.
type HolderToken struct {
	ch *Base
	id uint64
}

// Release drops this holder's claim on the channel, re-checking disposal.
func (t HolderToken) Release() {
	if t.ch == nil {
		return
	}
	t.ch.releaseHolder(t.id)
}

// Base is the shared flow-control and reference-counting implementation
// embedded by every typed channel (Text, Data).
type Base struct {
	name    string
	kind    string
	subtype string

	sender Sender

	mu sync.Mutex

	receiverProc *processEndpoint
	receiverCB   ReceiverCallback
	senders      map[processEndpoint]struct{}
	listeners    map[uint64]Listener
	holders      map[uint64]struct{}
	nextTokenID  uint64

	itemsRemaining int
	unlimited      bool
	status         Status
	lastBroadcast  Status

	callbackInProgress bool
	externalLocks      int

	disposed bool
}

// NewBase constructs a channel base in the initial BLOCKED state. sender is
// the scheduler (or a test double) used to deliver items to a process
// receiver; it may be nil if the channel will only ever have a callback
// receiver.
func NewBase(name, kind, subtype string, sender Sender) *Base {
	return &Base{
		name:      name,
		kind:      kind,
		subtype:   subtype,
		sender:    sender,
		senders:   make(map[processEndpoint]struct{}),
		listeners: make(map[uint64]Listener),
		holders:   make(map[uint64]struct{}),
		status:    Blocked,
	}
}

// Name returns the channel's name.
func (b *Base) Name() string { return b.name }

// Kind returns the channel's type tag ("text" or "structured-client-data").
func (b *Base) Kind() string { return b.kind }

// Subtype returns the optional subtype string.
func (b *Base) Subtype() string { return b.subtype }

// SetReceiverProcess sets the receiver to a process endpoint, replacing any
// existing receiver (process or callback).
func (b *Base) SetReceiverProcess(pid, rid ids.ID) {
	b.mu.Lock()
	b.receiverCB = nil
	b.receiverProc = &processEndpoint{pid: pid, rid: rid}
	b.mu.Unlock()
	b.checkDispose()
}

// SetReceiverCallback sets the receiver to a bare callback, replacing any
// existing receiver.
func (b *Base) SetReceiverCallback(cb ReceiverCallback) {
	b.mu.Lock()
	b.receiverProc = nil
	b.receiverCB = cb
	b.mu.Unlock()
	b.checkDispose()
}

// ClearReceiver removes the current receiver, if any.
func (b *Base) ClearReceiver() {
	b.mu.Lock()
	b.receiverProc = nil
	b.receiverCB = nil
	b.mu.Unlock()
	b.checkDispose()
}

// AddSender registers a process as a sender endpoint.
func (b *Base) AddSender(pid, rid ids.ID) {
	b.mu.Lock()
	b.senders[processEndpoint{pid: pid, rid: rid}] = struct{}{}
	b.mu.Unlock()
}

// RemoveSender unregisters a sender endpoint, re-checking disposal.
func (b *Base) RemoveSender(pid, rid ids.ID) {
	b.mu.Lock()
	delete(b.senders, processEndpoint{pid: pid, rid: rid})
	b.mu.Unlock()
	b.checkDispose()
}

// AddListener registers a control listener and returns an id for later removal.
func (b *Base) AddListener(l Listener) uint64 {
	b.mu.Lock()
	b.nextTokenID++
	id := b.nextTokenID
	b.listeners[id] = l
	b.mu.Unlock()
	return id
}

// RemoveListener unregisters a control listener, re-checking disposal.
func (b *Base) RemoveListener(id uint64) {
	b.mu.Lock()
	delete(b.listeners, id)
	b.mu.Unlock()
	b.checkDispose()
}

// Hold returns a new holder token that keeps the channel alive until Released.
func (b *Base) Hold() HolderToken {
	b.mu.Lock()
	b.nextTokenID++
	id := b.nextTokenID
	b.holders[id] = struct{}{}
	b.mu.Unlock()
	return HolderToken{ch: b, id: id}
}

func (b *Base) releaseHolder(id uint64) {
	b.mu.Lock()
	delete(b.holders, id)
	b.mu.Unlock()
	b.checkDispose()
}

// Lock acquires the channel's external lock: it bumps the external-lock
// count (preventing disposal) and takes the underlying mutex. A caller that
// both receives callbacks from this channel and calls back into it must
// Lock before taking its own lock, to avoid deadlock with the broadcast path.
func (b *Base) Lock() {
	b.mu.Lock()
	b.externalLocks++
}

// Unlock releases the external lock taken by Lock, re-checking disposal.
func (b *Base) Unlock() {
	b.externalLocks--
	b.mu.Unlock()
	b.checkDispose()
}

// refs computes the reference count: receiver-present + senders + listeners + holders.
func (b *Base) refs() int {
	n := len(b.senders) + len(b.listeners) + len(b.holders)
	if b.receiverProc != nil || b.receiverCB != nil {
		n++
	}
	return n
}

// checkDispose evaluates P5: the channel self-destructs iff references are
// zero, no callback is in flight, and the external-lock count is zero. Any
// mutation of receiver/senders/listeners/holders calls this immediately
// (REDESIGN FLAG (d): the predicate is explicit, not implicit).
func (b *Base) checkDispose() {
	b.mu.Lock()
	if b.disposed || b.callbackInProgress || b.externalLocks > 0 || b.refs() > 0 {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	listeners := snapshotListeners(b.listeners)
	name := b.name
	b.mu.Unlock()

	for _, l := range listeners {
		l.OnDestroyed(name)
	}
}

// Unblock transitions the channel to OPEN with the given credit (0 =
// unlimited). A no-op once the channel has reached CLOSED.
func (b *Base) Unblock(credit int) {
	b.mu.Lock()
	if b.status == Closed {
		b.mu.Unlock()
		return
	}
	b.status = Open
	b.unlimited = credit == 0
	b.itemsRemaining = credit
	b.broadcastLocked()
}

// Block transitions the channel to BLOCKED. A no-op once the channel has
// reached CLOSED.
func (b *Base) Block() {
	b.mu.Lock()
	if b.status == Closed {
		b.mu.Unlock()
		return
	}
	b.status = Blocked
	b.broadcastLocked()
}

// Close transitions the channel to CLOSED. Terminal: further Unblock/Block
// calls are ignored.
func (b *Base) Close() {
	b.mu.Lock()
	if b.status == Closed {
		b.mu.Unlock()
		return
	}
	b.status = Closed
	b.broadcastLocked()
}

// Status returns the current flow status.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// broadcastLocked sends the current status to every sender, the receiver
// (if a process), and every listener. Coalesces duplicate notifications via
// lastBroadcast (P6: monotonic per peer, CLOSED terminal). Must be called
// with b.mu held; releases it before returning.
func (b *Base) broadcastLocked() {
	if b.lastBroadcast == b.status {
		b.mu.Unlock()
		return
	}
	b.lastBroadcast = b.status
	status := b.status
	sender := b.sender
	recv := b.receiverProc
	senders := make([]processEndpoint, 0, len(b.senders))
	for ep := range b.senders {
		senders = append(senders, ep)
	}
	listeners := snapshotListeners(b.listeners)
	name := b.name
	b.callbackInProgress = true
	b.mu.Unlock()

	if sender != nil {
		for _, ep := range senders {
			sender.SendMessage(ep.pid, ep.rid, FlowMessage{Status: status})
		}
		if recv != nil {
			sender.SendMessage(recv.pid, recv.rid, FlowMessage{Status: status})
		}
	}
	for _, l := range listeners {
		l.OnFlowStatus(name, status)
	}

	b.mu.Lock()
	b.callbackInProgress = false
	b.mu.Unlock()
	b.checkDispose()
}

// FlowMessage is delivered to senders and the receiver on every status transition.
type FlowMessage struct {
	Status Status
}

// Send attempts to deliver item through the channel. On success the channel
// takes ownership of item; on failure (ErrBlocked/ErrClosed) the caller
// keeps ownership and may retry.
func (b *Base) Send(item any) error {
	b.mu.Lock()
	if b.status == Closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.status != Open || (!b.unlimited && b.itemsRemaining <= 0) {
		b.mu.Unlock()
		return ErrBlocked
	}
	if !b.unlimited {
		b.itemsRemaining--
	}
	recv := b.receiverProc
	cb := b.receiverCB
	sender := b.sender
	autoBlock := !b.unlimited && b.itemsRemaining == 0
	b.mu.Unlock()

	switch {
	case recv != nil && sender != nil:
		sender.SendMessage(recv.pid, recv.rid, item)
	case cb != nil:
		if err := cb(item); err != nil {
			return err
		}
	default:
		// No receiver: item is dropped into a null sink, per spec 4.5.
	}

	if autoBlock {
		b.Block()
	}
	return nil
}

func snapshotListeners(m map[uint64]Listener) []Listener {
	out := make([]Listener, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	return out
}
