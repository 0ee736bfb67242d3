package bcode

import "sync"

// key identifies one method's CFG: fully-qualified class name, method
// name, and descriptor (the triple is unique within one class-path
// set, the same way the JVM resolves method references).
type key struct {
	class, method, signature string
}

// Cache memoizes CFGs by (class, method, signature) so the frame
// matcher doesn't rebuild the same method's graph once per call site
// it observes across the whole trace.
type Cache struct {
	mu    sync.Mutex
	cfgs  map[key]*CFG
	miss  map[key]error
	Source MethodSource
}

// MethodSource resolves a method reference to its raw code bytes and
// exception table. The class-path scanner (classfile.Path) is the
// production implementation; tests can supply a map-backed stub.
type MethodSource interface {
	Method(class, method, signature string) (code []byte, handlers []Handler, err error)
}

// NewCache creates a Cache that resolves misses through src.
func NewCache(src MethodSource) *Cache {
	return &Cache{
		cfgs:   make(map[key]*CFG),
		miss:   make(map[key]error),
		Source: src,
	}
}

// Get returns the CFG for (class, method, signature), building and
// caching it on first use.
func (c *Cache) Get(class, method, signature string) (*CFG, error) {
	k := key{class, method, signature}

	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.cfgs[k]; ok {
		return g, nil
	}
	if err, ok := c.miss[k]; ok {
		return nil, err
	}

	code, handlers, err := c.Source.Method(class, method, signature)
	if err != nil {
		c.miss[k] = err
		return nil, err
	}
	g, err := Build(code, handlers)
	if err != nil {
		c.miss[k] = err
		return nil, err
	}
	c.cfgs[k] = g
	return g, nil
}
