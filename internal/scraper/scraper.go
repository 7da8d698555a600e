// Package scraper defines the per-hospital scraping capability. Each
// hospital site encodes its own upstream HTTP contract behind this
// interface; failures are local to one call and wrapped as
// errors.UpstreamUnavailable.
package scraper

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oplink/clinic-tracker/internal/model"
)

type Scraper interface {
	// HospitalCode identifies the hospital variant, e.g. "CMUH".
	HospitalCode() string

	// FetchDepartments returns the full department list.
	FetchDepartments(ctx context.Context) ([]model.DepartmentData, error)

	// FetchSchedule returns doctor/session assignments for one department.
	FetchSchedule(ctx context.Context, deptCode string) ([]model.DoctorSlot, error)

	// FetchClinicProgress returns live queue state for one clinic room in one
	// session. A (nil, nil) return means the upstream has nothing to report
	// yet; that is not an error.
	FetchClinicProgress(ctx context.Context, room string, session model.SessionType) (*model.ClinicProgress, error)
}

// Registry maps hospital codes to scraper variants. Adding a hospital is a
// registration, not a dispatch-logic change.
type Registry struct {
	mu       sync.RWMutex
	scrapers map[string]Scraper
}

func NewRegistry() *Registry {
	return &Registry{scrapers: make(map[string]Scraper)}
}

func (r *Registry) Register(s Scraper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrapers[s.HospitalCode()] = s
}

func (r *Registry) Get(code string) (Scraper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scrapers[code]
	if !ok {
		return nil, fmt.Errorf("no scraper registered for hospital %s", code)
	}
	return s, nil
}

// Codes returns the registered hospital codes in stable order.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.scrapers))
	for code := range r.scrapers {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
