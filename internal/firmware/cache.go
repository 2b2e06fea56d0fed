package firmware

import "sync"

// Cache remembers the newest known firmware across coordinators so one
// run hits the feed at most once per board revision.
type Cache struct {
	mu      sync.Mutex
	version string
	data    []byte
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Lookup answers an upgrade check for current from the cache. hit is false
// when nothing is known yet and the feed has to be asked.
func (c *Cache) Lookup(current string) (upgrade, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.version == "":
		return false, false
	case c.version == current:
		return false, true
	default:
		return c.data != nil, true
	}
}

// StoreCurrent records that current is the newest version available.
func (c *Cache) StoreCurrent(current string) {
	c.mu.Lock()
	c.version = current
	c.data = nil
	c.mu.Unlock()
}

// StoreImage records a newer published image.
func (c *Cache) StoreImage(img Image) {
	c.mu.Lock()
	c.version = img.Version
	c.data = img.Data
	c.mu.Unlock()
}

// Image returns the cached binary, if any.
func (c *Cache) Image() (Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		return Image{}, false
	}
	return Image{Version: c.version, Data: c.data}, true
}

// Reset forgets everything.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.version, c.data = "", nil
	c.mu.Unlock()
}
