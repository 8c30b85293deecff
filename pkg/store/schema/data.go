package schema

import (
	"sort"
	"sync"
)

// ClassData is the merged view of one class. Callers must treat it as read-only.
type ClassData struct {
	Fields                map[string]FieldType
	ClassLevelPermissions CLP
	Indexes               map[string]Index
}

type classEntry struct {
	once      sync.Once
	raw       *Schema
	protected map[string][]string
	data      *ClassData
}

func (e *classEntry) get() *ClassData {
	e.once.Do(func() {
		full := InjectDefaultSchema(e.raw)
		clp := full.ClassLevelPermissions
		if len(e.protected) > 0 {
			if clp == nil {
				clp = DefaultCLP()
			}
			merged := clp.ProtectedFields()
			if merged == nil {
				merged = map[string][]string{}
			}
			for _, entity := range sortedKeys(e.protected) {
				merged[entity] = unionStrings(merged[entity], e.protected[entity])
			}
			clp[KeyProtectedFields] = merged
		}
		e.data = &ClassData{
			Fields:                full.Fields,
			ClassLevelPermissions: clp,
			Indexes:               full.Indexes,
		}
	})
	return e.data
}

// Data is an immutable snapshot of every known class. Per-class views are
// computed on first access and memoized; a reload builds a new Data.
type Data struct {
	classes map[string]*classEntry
	all     []*Schema
}

// NewData builds a snapshot from stored schemas plus configured protected
// field overrides (class -> entity -> fields).
func NewData(all []*Schema, protectedFields map[string]map[string][]string) *Data {
	d := &Data{
		classes: make(map[string]*classEntry, len(all)+VolatileClasses.Len()),
	}
	for _, s := range all {
		if VolatileClasses.Has(s.ClassName) {
			continue
		}
		d.classes[s.ClassName] = &classEntry{raw: s, protected: protectedFields[s.ClassName]}
		d.all = append(d.all, s)
	}
	for className := range VolatileClasses {
		d.classes[className] = &classEntry{
			raw:       &Schema{ClassName: className, Fields: map[string]FieldType{}, ClassLevelPermissions: CLP{}},
			protected: protectedFields[className],
		}
	}
	return d
}

// Get returns the merged view of className.
func (d *Data) Get(className string) (*ClassData, bool) {
	if d == nil {
		return nil, false
	}
	e, ok := d.classes[className]
	if !ok {
		return nil, false
	}
	return e.get(), true
}

func (d *Data) HasClass(className string) bool {
	_, ok := d.Get(className)
	return ok
}

// Schemas returns the stored, non-volatile schemas the snapshot was built from.
func (d *Data) Schemas() []*Schema {
	if d == nil {
		return nil
	}
	return d.all
}

// ClassNames lists every class, volatile ones included, sorted.
func (d *Data) ClassNames() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.classes))
	for name := range d.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExpectedType returns the declared type of field in className.
func (d *Data) ExpectedType(className, field string) (FieldType, bool) {
	c, ok := d.Get(className)
	if !ok {
		return FieldType{}, false
	}
	f, ok := c.Fields[field]
	return f, ok
}

// HasKeys reports whether every key is a known field of className.
func (d *Data) HasKeys(className string, keys []string) bool {
	c, ok := d.Get(className)
	if !ok {
		return false
	}
	for _, k := range keys {
		if _, ok := c.Fields[k]; !ok {
			return false
		}
	}
	return true
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
