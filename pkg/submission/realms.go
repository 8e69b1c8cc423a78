package submission

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

// DefaultRealm receives petitions submitted without a realm.
const DefaultRealm = "governance"

// Realm is one routing target for petitions and escalations.
type Realm struct {
	Name   string `yaml:"name"`
	KingID string `yaml:"king_id"`
}

// RealmRegistry resolves submitted realm names. Unknown realms are
// rejected rather than silently routed to the default.
type RealmRegistry struct {
	defaultRealm string
	realms       map[string]Realm
}

type realmFile struct {
	Default string  `yaml:"default"`
	Realms  []Realm `yaml:"realms"`
}

// NewRealmRegistry builds a registry from explicit realms.
func NewRealmRegistry(defaultRealm string, realms ...Realm) *RealmRegistry {
	if defaultRealm == "" {
		defaultRealm = DefaultRealm
	}
	r := &RealmRegistry{
		defaultRealm: defaultRealm,
		realms:       make(map[string]Realm, len(realms)+1),
	}
	r.realms[defaultRealm] = Realm{Name: defaultRealm}
	for _, realm := range realms {
		r.realms[realm.Name] = realm
	}
	return r
}

// LoadRealmRegistry reads a YAML realm file.
func LoadRealmRegistry(path string) (*RealmRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "read realm registry %s", path)
	}
	var file realmFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "parse realm registry %s", path)
	}
	for _, realm := range file.Realms {
		if realm.Name == "" {
			return nil, fault.New(fault.KindConfiguration, "realm registry %s contains a realm without a name", path)
		}
	}
	return NewRealmRegistry(file.Default, file.Realms...), nil
}

// Resolve maps a submitted realm name to a registered realm. Empty
// resolves to the default; unknown is a validation fault.
func (r *RealmRegistry) Resolve(name string) (string, error) {
	if name == "" {
		return r.defaultRealm, nil
	}
	if _, ok := r.realms[name]; !ok {
		return "", fault.New(fault.KindValidation, "invalid realm %q", name)
	}
	return name, nil
}

// KingFor returns the King bound to a realm, if configured.
func (r *RealmRegistry) KingFor(name string) (string, bool) {
	realm, ok := r.realms[name]
	if !ok || realm.KingID == "" {
		return "", false
	}
	return realm.KingID, true
}

// Names lists registered realm names, sorted.
func (r *RealmRegistry) Names() []string {
	out := make([]string, 0, len(r.realms))
	for name := range r.realms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
