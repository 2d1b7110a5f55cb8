package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/droponboard/model"
)

// snapshot is an immutable collection of all definitions indexed by ID.
type snapshot struct {
	wizards  map[string]model.WizardDefinition
	ids      []string
	checksum string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.WizardDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions.
func (r *Registry) Replace(defs []model.WizardDefinition) {
	s := &snapshot{
		wizards: make(map[string]model.WizardDefinition, len(defs)),
	}

	var checksumParts []string
	for _, def := range defs {
		if _, dup := s.wizards[def.ID]; !dup {
			s.ids = append(s.ids, def.ID)
		}
		s.wizards[def.ID] = def
		checksumParts = append(checksumParts, def.Checksum)
	}
	sort.Strings(s.ids)

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetWizard returns the wizard definition with the given ID.
func (r *Registry) GetWizard(wizardID string) (model.WizardDefinition, bool) {
	w, ok := r.current().wizards[wizardID]
	return w, ok
}

// AllWizards returns all wizard definitions ordered by ID.
func (r *Registry) AllWizards() []model.WizardDefinition {
	s := r.current()
	defs := make([]model.WizardDefinition, 0, len(s.ids))
	for _, id := range s.ids {
		defs = append(defs, s.wizards[id])
	}
	return defs
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
