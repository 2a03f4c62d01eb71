// Package directory resolves the offices tokens are booked against. Office
// maintenance lives elsewhere; this package only reads.
package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"smartq/token-service/internal/models"
	"smartq/token-service/internal/store"

	"gopkg.in/yaml.v3"
)

type Directory interface {
	Office(ctx context.Context, officeID string) (models.Office, error)
}

type Static struct {
	mu      sync.RWMutex
	offices map[string]models.Office
}

type fileFormat struct {
	Offices []models.Office `yaml:"offices"`
}

func NewStatic(offices ...models.Office) *Static {
	s := &Static{offices: make(map[string]models.Office, len(offices))}
	for _, office := range offices {
		s.offices[office.OfficeID] = office
	}
	return s
}

// LoadFile reads a YAML document of the form:
//
//	offices:
//	  - id: office-1
//	    name: Registrar Office
//	    prefix: REG
//	    token_limit: 100
//	    is_active: true
func LoadFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read office directory: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Static, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse office directory: %w", err)
	}
	for i, office := range doc.Offices {
		office.OfficeID = strings.TrimSpace(office.OfficeID)
		office.Prefix = strings.TrimSpace(office.Prefix)
		if office.OfficeID == "" || office.Prefix == "" {
			return nil, fmt.Errorf("parse office directory: entry %d needs id and prefix", i)
		}
		doc.Offices[i] = office
	}
	return NewStatic(doc.Offices...), nil
}

func (s *Static) Office(ctx context.Context, officeID string) (models.Office, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	office, ok := s.offices[officeID]
	if !ok {
		return models.Office{}, store.ErrOfficeNotFound
	}
	return office, nil
}

// Put adds or replaces an office, for admin tooling and tests.
func (s *Static) Put(office models.Office) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offices[office.OfficeID] = office
}

func (s *Static) List() []models.Office {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Office, 0, len(s.offices))
	for _, office := range s.offices {
		out = append(out, office)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OfficeID < out[j].OfficeID })
	return out
}
