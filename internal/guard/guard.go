// Package guard admits test runs so that no two active runs use the same
// test object.
//
// The conflict scan and the admission of a run happen under locks of all
// resources the run refers to. Locks are striped: resource ids are hashed
// into a fixed set of mutexes, which are always taken in ascending order.
package guard

import (
	"fmt"
	"hash/maphash"
	"slices"
	"sync"

	"github.com/etf-validator/etfd/internal/model"
)

const DefaultStripes = 64

// Claim is a run holding resources until it is terminal.
type Claim interface {
	ID() string
	Terminal() bool
	ResourceIDs() []string
	ResourceLabel(id string) string
}

// Lister returns a snapshot of active claims.
type Lister[C Claim] interface {
	List() []C
}

// ConflictError is returned when a resource is held by an active run.
type ConflictError struct {
	ResourceID string
	Label      string
	RunID      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("test object %s is used by test run %s", e.Label, e.RunID)
}

func (e *ConflictError) Unwrap() error {
	return model.ErrConflict
}

type Guard[C Claim] struct {
	lister  Lister[C]
	seed    maphash.Seed
	stripes []sync.Mutex
}

// New returns a guard scanning claims returned by lister, stripes < 1 mean
// DefaultStripes.
func New[C Claim](lister Lister[C], stripes int) *Guard[C] {
	if stripes < 1 {
		stripes = DefaultStripes
	}
	return &Guard[C]{
		lister:  lister,
		seed:    maphash.MakeSeed(),
		stripes: make([]sync.Mutex, stripes),
	}
}

// Admit calls admit unless a non terminal claim listed by the lister holds
// any resource of c. The scan and admit run as one critical section for
// every resource of c, admit must make c visible to the lister before it
// returns.
func (g *Guard[C]) Admit(c C, admit func() error) error {
	unlock := g.lock(c.ResourceIDs())
	defer unlock()

	if err := g.Check(c); err != nil {
		return err
	}
	return admit()
}

// Free calls fn unless an active claim holds the resource id. No claim of
// the resource can be admitted while fn runs.
func (g *Guard[C]) Free(id string, fn func() error) error {
	unlock := g.lock([]string{id})
	defer unlock()

	if err := g.check("", []string{id}); err != nil {
		return err
	}
	return fn()
}

// Check returns *ConflictError for the first active claim holding a resource
// of c. It takes no locks.
func (g *Guard[C]) Check(c C) error {
	return g.check(c.ID(), c.ResourceIDs())
}

func (g *Guard[C]) check(self string, wanted []string) error {
	for _, active := range g.lister.List() {
		if active.ID() == self || active.Terminal() {
			continue
		}
		for _, held := range active.ResourceIDs() {
			if slices.Contains(wanted, held) {
				return &ConflictError{
					ResourceID: held,
					Label:      active.ResourceLabel(held),
					RunID:      active.ID(),
				}
			}
		}
	}
	return nil
}

func (g *Guard[C]) lock(ids []string) func() {
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		idx = append(idx, int(maphash.String(g.seed, id)%uint64(len(g.stripes))))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		g.stripes[i].Lock()
	}
	return func() {
		for _, i := range slices.Backward(idx) {
			g.stripes[i].Unlock()
		}
	}
}
