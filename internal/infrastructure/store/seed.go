package store

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/example/ec-checkout/internal/model"
)

// Seed is the catalog and user directory a memory store starts with.
type Seed struct {
	Products []model.Product   `json:"products"`
	Users    map[string]string `json:"users"`
}

// LoadSeed reads a JSON Seed from r into m.
func (m *MemoryStore) LoadSeed(r io.Reader) error {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, p := range seed.Products {
		if p.ID == "" || p.Stock < 0 {
			return fmt.Errorf("invalid seed product %q", p.ID)
		}
		m.PutProduct(p)
	}
	for id, email := range seed.Users {
		m.PutUser(id, email)
	}
	return nil
}
