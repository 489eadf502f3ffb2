package workspace

import (
	"fmt"
	"sync"
	"testing"
)

func TestPathCachePutGet(t *testing.T) {
	c := NewPathCache()

	if _, ok := c.Get("missing"); ok {
		t.Errorf("Get(missing) = true, want false")
	}

	c.Put("todo", "/ext/todo.ts")
	path, ok := c.Get("todo")
	if !ok || path != "/ext/todo.ts" {
		t.Errorf("Get(todo) = %q, %v", path, ok)
	}

	c.Put("todo", "/ext/v2/todo.ts")
	if path, _ := c.Get("todo"); path != "/ext/v2/todo.ts" {
		t.Errorf("Get(todo) after overwrite = %q", path)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestPathCacheClearIdempotent(t *testing.T) {
	c := NewPathCache()
	c.Clear()

	c.Put("a", "/a")
	c.Put("b", "/b")
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d", c.Len())
	}
	c.Clear()

	// Cache stays usable after clearing.
	c.Put("c", "/c")
	if path, ok := c.Get("c"); !ok || path != "/c" {
		t.Errorf("Get(c) = %q, %v", path, ok)
	}
}

func TestPathCacheConcurrentAccess(t *testing.T) {
	c := NewPathCache()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("ext-%d", i%4)
			for j := 0; j < 100; j++ {
				c.Put(name, "/src")
				c.Get(name)
				c.Len()
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 4 {
		t.Errorf("Len() = %d, want 4", c.Len())
	}
}

func TestExtensionCacheHelpers(t *testing.T) {
	t.Cleanup(ClearExtensionCache)

	ClearExtensionCache()
	CacheExtensionPath("review", "/ext/review.ts")

	path, ok := ExtensionPath("review")
	if !ok || path != "/ext/review.ts" {
		t.Errorf("ExtensionPath(review) = %q, %v", path, ok)
	}

	ClearExtensionCache()
	ClearExtensionCache()
	if _, ok := ExtensionPath("review"); ok {
		t.Errorf("entry survived ClearExtensionCache")
	}
}
