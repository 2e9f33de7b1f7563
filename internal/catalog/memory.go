package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryCatalog backs the memory storage driver and tests.
type MemoryCatalog struct {
	mu    sync.RWMutex
	items map[string]map[string]Item
}

func NewMemoryCatalog(items ...Item) *MemoryCatalog {
	c := &MemoryCatalog{items: make(map[string]map[string]Item)}
	c.Put(items...)
	return c
}

// LoadMemoryCatalog reads a YAML list of items.
func LoadMemoryCatalog(path string) (*MemoryCatalog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog file: %w", err)
	}
	defer file.Close()

	var seed struct {
		Items []Item `yaml:"items"`
	}
	if err := yaml.NewDecoder(file).Decode(&seed); err != nil {
		return nil, fmt.Errorf("invalid catalog file: %w", err)
	}

	return NewMemoryCatalog(seed.Items...), nil
}

func (c *MemoryCatalog) Put(items ...Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, it := range items {
		byID, ok := c.items[it.RestaurantID]
		if !ok {
			byID = make(map[string]Item)
			c.items[it.RestaurantID] = byID
		}
		byID[it.ID] = it
	}
}

func (c *MemoryCatalog) SetAvailable(restaurantID, id string, available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[restaurantID][id]; ok {
		it.IsAvailable = available
		c.items[restaurantID][id] = it
	}
}

func (c *MemoryCatalog) GetItems(ctx context.Context, restaurantID string, ids []string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		if it, ok := c.items[restaurantID][id]; ok {
			items = append(items, it)
		}
	}
	return items, nil
}
