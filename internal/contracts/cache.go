package contracts

import (
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Binder is the part of a chain handle needed to build contract bindings.
type Binder interface {
	ID() uint64
	Contract(parsed abi.ABI, address common.Address) *bind.BoundContract
}

type bindingKey struct {
	handleID uint64
	address  common.Address
}

// Cache memoizes bindings per handle identity and address. A binding is recreated only
// when the handle changes.
type Cache struct {
	mu       sync.Mutex
	bindings map[bindingKey]*bind.BoundContract
}

func NewCache() *Cache {
	return &Cache{bindings: make(map[bindingKey]*bind.BoundContract)}
}

// Bind returns the memoized binding for def on h, creating it on first use.
func (c *Cache) Bind(h Binder, def Definition) *bind.BoundContract {
	key := bindingKey{handleID: h.ID(), address: def.Address}

	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.bindings[key]; ok {
		return b
	}
	b := h.Contract(def.ABI, def.Address)
	c.bindings[key] = b
	return b
}

// Forget drops every binding built on the given handle.
func (c *Cache) Forget(handleID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.bindings {
		if k.handleID == handleID {
			delete(c.bindings, k)
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bindings)
}
