package registry

import (
	"strings"

	"github.com/blockvault/blockvault/internal/verror"
)

// resolve maps an identifier to a known UUID. Order: exact UUID, exact
// name, then unique UUID prefix. A prefix matching more than one entity is
// an error, never a silent first match.
func (r *Registry) resolve(idOrName string) (string, error) {
	if idOrName == "" {
		return "", verror.NotFound("empty identifier")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.entities[idOrName] {
		return idOrName, nil
	}
	if id, ok := r.names[idOrName]; ok {
		return id, nil
	}

	var match string
	for id := range r.entities {
		if strings.HasPrefix(id, idOrName) {
			if match != "" {
				return "", verror.Ambiguous(idOrName)
			}
			match = id
		}
	}
	if match == "" {
		return "", verror.NotFound("cannot find %q", idOrName)
	}
	return match, nil
}

// ResolveVolume resolves idOrName to a live volume UUID.
func (r *Registry) ResolveVolume(idOrName string) (string, error) {
	id, err := r.resolve(idOrName)
	if err != nil {
		return "", err
	}
	r.mu.RLock()
	ok := r.volumes[id]
	r.mu.RUnlock()
	if !ok {
		return "", verror.NotFound("%q is not a volume", idOrName)
	}
	return id, nil
}

// ResolveSnapshot resolves idOrName to a snapshot UUID.
func (r *Registry) ResolveSnapshot(idOrName string) (string, error) {
	id, err := r.resolve(idOrName)
	if err != nil {
		return "", err
	}
	r.mu.RLock()
	_, ok := r.snapVol[id]
	r.mu.RUnlock()
	if !ok {
		return "", verror.NotFound("%q is not a snapshot", idOrName)
	}
	return id, nil
}
