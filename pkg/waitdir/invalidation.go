package waitdir

import (
	"sync"

	"github.com/cuemby/warren-coord/pkg/coordtypes"
)

// InvalidationCallback is invoked when the local session receives an
// invalidation request for key.
type InvalidationCallback func(key coordtypes.Key)

// Invalidation is the in-memory map key -> set of invalidation callbacks.
type Invalidation struct {
	mu        sync.Mutex
	callbacks map[coordtypes.Key]map[int]InvalidationCallback
	nextID    int
}

// NewInvalidation creates an empty InvalidationCallbackDirectory.
func NewInvalidation() *Invalidation {
	return &Invalidation{callbacks: make(map[coordtypes.Key]map[int]InvalidationCallback)}
}

// Handle identifies a registered callback so it can be removed later.
type Handle struct {
	key coordtypes.Key
	id  int
}

// Register adds cb under key and returns a Handle for Unregister.
func (d *Invalidation) Register(key coordtypes.Key, cb InvalidationCallback) Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.callbacks[key]
	if !ok {
		set = make(map[int]InvalidationCallback)
		d.callbacks[key] = set
	}
	id := d.nextID
	d.nextID++
	set[id] = cb
	return Handle{key: key, id: id}
}

// Unregister removes a previously-registered callback.
func (d *Invalidation) Unregister(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.callbacks[h.key]
	if !ok {
		return
	}
	delete(set, h.id)
	if len(set) == 0 {
		delete(d.callbacks, h.key)
	}
}

// Invoke calls every callback registered for key, synchronously, in
// arbitrary order.
func (d *Invalidation) Invoke(key coordtypes.Key) {
	d.mu.Lock()
	set, ok := d.callbacks[key]
	cbs := make([]InvalidationCallback, 0, len(set))
	if ok {
		for _, cb := range set {
			cbs = append(cbs, cb)
		}
	}
	d.mu.Unlock()
	for _, cb := range cbs {
		cb(key)
	}
}
