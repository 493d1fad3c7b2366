package cache

import "container/list"

// lru is a fixed-capacity least-recently-used map. It is not safe for concurrent use;
// Store guards it with its mutex.
type lru struct {
	capacity int
	order    *list.List // front is most recently used
	items    map[string]*list.Element
}

type lruItem struct {
	key   string
	entry *Entry
}

func newLRU(capacity int) *lru {
	if capacity < 1 {
		capacity = 1
	}
	return &lru{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (c *lru) get(key string) (*Entry, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruItem).entry, true
}

// put inserts or replaces key and returns the key evicted to make room, if any.
func (c *lru) put(key string, e *Entry) (evicted string, ok bool) {
	if el, found := c.items[key]; found {
		el.Value.(*lruItem).entry = e
		c.order.MoveToFront(el)
		return "", false
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		item := oldest.Value.(*lruItem)
		c.order.Remove(oldest)
		delete(c.items, item.key)
		evicted, ok = item.key, true
	}

	c.items[key] = c.order.PushFront(&lruItem{key: key, entry: e})
	return evicted, ok
}

func (c *lru) remove(key string) {
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// keys lists keys from most to least recently used.
func (c *lru) keys() []string {
	out := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*lruItem).key)
	}
	return out
}

func (c *lru) len() int { return c.order.Len() }

func (c *lru) reset() {
	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}
