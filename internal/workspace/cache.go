package workspace

import "sync"

// PathCache maps extension names to the source paths they were loaded
// from. Loaders populate it at discovery time so error messages and
// reloads can point back at the file that defined a tool or hook.
type PathCache struct {
	mu    sync.RWMutex
	paths map[string]string
}

// NewPathCache returns an empty cache.
func NewPathCache() *PathCache {
	return &PathCache{paths: make(map[string]string)}
}

// Put records the source path for an extension, replacing any previous
// entry.
func (c *PathCache) Put(name, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paths == nil {
		c.paths = make(map[string]string)
	}
	c.paths[name] = path
}

// Get returns the recorded source path for an extension.
func (c *PathCache) Get(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	path, ok := c.paths[name]
	return path, ok
}

// Len reports the number of cached entries.
func (c *PathCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.paths)
}

// Clear drops every entry. Clearing an empty cache is a no-op.
func (c *PathCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = make(map[string]string)
}

// extensionPaths is the process-wide cache extension loaders share.
var extensionPaths = NewPathCache()

// CacheExtensionPath records where an extension was loaded from.
func CacheExtensionPath(name, path string) {
	extensionPaths.Put(name, path)
}

// ExtensionPath looks up where an extension was loaded from.
func ExtensionPath(name string) (string, bool) {
	return extensionPaths.Get(name)
}

// ClearExtensionCache empties the shared cache. Idempotent.
func ClearExtensionCache() {
	extensionPaths.Clear()
}
