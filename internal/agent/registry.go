package agent

import (
	"strconv"

	"github.com/Hiestaa/RLViz/internal/protocol"
	"github.com/rs/zerolog"
)

// Subscription is one live inspector.
type Subscription struct {
	Name   string
	UID    int
	Params protocol.Params
}

// Key returns the "name:uid" identifier of the subscription.
func (s Subscription) Key() string {
	return s.Name + ":" + strconv.Itoa(s.UID)
}

// Subscriber receives the inspect messages of one subscription.
type Subscriber interface {
	Dispatch(msg *protocol.Message)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(msg *protocol.Message)

// Dispatch calls f(msg).
func (f SubscriberFunc) Dispatch(msg *protocol.Message) { f(msg) }

// Registry is the table of live subscriptions plus the side table of locally
// attached subscribers. Entries are kept in creation order.
type Registry struct {
	log zerolog.Logger

	lastUID     int
	order       []int
	entries     map[int]*Subscription
	subscribers map[int]Subscriber
}

// NewRegistry creates an empty registry. The first uid handed out is 1.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:         log.With().Str("component", "registry").Logger(),
		entries:     make(map[int]*Subscription),
		subscribers: make(map[int]Subscriber),
	}
}

// Create allocates the next uid and stores the subscription under it.
func (r *Registry) Create(name string, params protocol.Params) int {
	r.lastUID++
	uid := r.lastUID
	r.insert(&Subscription{Name: name, UID: uid, Params: params.Clone()})
	return uid
}

// Restore stores a subscription under a caller-chosen uid. An existing entry
// keeps its position and gets the new name and params. The uid counter never
// goes backwards, so a restored uid is never handed out by Create.
func (r *Registry) Restore(name string, uid int, params protocol.Params) {
	if uid > r.lastUID {
		r.lastUID = uid
	}
	if sub, ok := r.entries[uid]; ok {
		sub.Name = name
		sub.Params = params.Clone()
		return
	}
	r.insert(&Subscription{Name: name, UID: uid, Params: params.Clone()})
}

func (r *Registry) insert(sub *Subscription) {
	r.entries[sub.UID] = sub
	r.order = append(r.order, sub.UID)
	r.log.Debug().Str("key", sub.Key()).Msg("subscription created")
}

// Remove deletes the subscription and its subscriber. Unknown uids are ignored.
func (r *Registry) Remove(uid int) {
	delete(r.subscribers, uid)
	if _, ok := r.entries[uid]; !ok {
		return
	}
	delete(r.entries, uid)
	for i, id := range r.order {
		if id == uid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.log.Debug().Int("uid", uid).Msg("subscription removed")
}

// Get returns the subscription stored under uid.
func (r *Registry) Get(uid int) (Subscription, bool) {
	sub, ok := r.entries[uid]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// List returns every subscription in creation order.
func (r *Registry) List() []Subscription {
	out := make([]Subscription, 0, len(r.order))
	for _, uid := range r.order {
		sub := *r.entries[uid]
		sub.Params = sub.Params.Clone()
		out = append(out, sub)
	}
	return out
}

// HasKind reports whether a subscription with the given name exists.
func (r *Registry) HasKind(name string) bool {
	for _, uid := range r.order {
		if r.entries[uid].Name == name {
			return true
		}
	}
	return false
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	return len(r.order)
}

// Attach binds the subscriber that receives inspect messages for uid,
// replacing any previous one.
func (r *Registry) Attach(uid int, sub Subscriber) {
	if sub == nil {
		delete(r.subscribers, uid)
		return
	}
	r.subscribers[uid] = sub
}

// Detach unbinds the subscriber of uid.
func (r *Registry) Detach(uid int) {
	delete(r.subscribers, uid)
}

// Dispatch forwards msg to the subscriber of its uid. Messages without a uid
// or for an unknown uid are dropped: removal racing in-flight messages is
// expected. It reports whether the message was delivered.
func (r *Registry) Dispatch(msg *protocol.Message) bool {
	if msg.UID == nil {
		r.log.Debug().Msg("inspect message without uid dropped")
		return false
	}
	sub, ok := r.subscribers[*msg.UID]
	if !ok {
		return false
	}
	sub.Dispatch(msg)
	return true
}

// Reset drops every subscription and explicitly releases every subscriber.
// The uid counter is kept.
func (r *Registry) Reset() {
	for uid := range r.subscribers {
		delete(r.subscribers, uid)
	}
	for uid := range r.entries {
		delete(r.entries, uid)
	}
	r.order = nil
}
