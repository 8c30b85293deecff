package schema

// CLP operations and the extra keys a class level permission document may hold.
const (
	OpFind     = "find"
	OpCount    = "count"
	OpGet      = "get"
	OpCreate   = "create"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpAddField = "addField"

	KeyReadUserFields  = "readUserFields"
	KeyWriteUserFields = "writeUserFields"
	KeyProtectedFields = "protectedFields"
	KeyPointerFields   = "pointerFields"

	EntityPublic                 = "*"
	EntityAuthenticated          = "authenticated"
	EntityRequiresAuthentication = "requiresAuthentication"
)

var Operations = []string{OpFind, OpCount, OpGet, OpCreate, OpUpdate, OpDelete, OpAddField}

var clpValidKeys = map[string]bool{
	OpFind:             true,
	OpCount:            true,
	OpGet:              true,
	OpCreate:           true,
	OpUpdate:           true,
	OpDelete:           true,
	OpAddField:         true,
	KeyReadUserFields:  true,
	KeyWriteUserFields: true,
	KeyProtectedFields: true,
}

// CLP holds class level permissions in their JSON shape:
//
//	{"find": {"*": true}, "update": {"pointerFields": ["owner"]},
//	 "readUserFields": ["owner"], "protectedFields": {"*": ["email"]}}
//
// Normalize converts decoded JSON into the canonical Go types: operation maps
// are map[string]interface{} with []string pointerFields, user field lists are
// []string and protectedFields is map[string][]string.
type CLP map[string]interface{}

// DefaultCLP grants every operation to everyone.
func DefaultCLP() CLP {
	clp := CLP{}
	for _, op := range Operations {
		clp[op] = map[string]interface{}{EntityPublic: true}
	}
	clp[KeyProtectedFields] = map[string][]string{EntityPublic: {}}
	return clp
}

// EmptyCLP grants nothing. Stored permissions are layered over it.
func EmptyCLP() CLP {
	clp := CLP{}
	for _, op := range Operations {
		clp[op] = map[string]interface{}{}
	}
	clp[KeyProtectedFields] = map[string][]string{}
	return clp
}

// StoredCLP is what adapters report for a class: the default CLP when nothing
// was stored, otherwise the stored permissions over EmptyCLP.
func StoredCLP(stored CLP) CLP {
	if stored == nil {
		return DefaultCLP()
	}
	out := EmptyCLP()
	for k, v := range stored.Normalize() {
		out[k] = v
	}
	return out
}

func (c CLP) Clone() CLP {
	if c == nil {
		return nil
	}
	return c.Normalize()
}

// Normalize returns a fresh copy of c in canonical form.
func (c CLP) Normalize() CLP {
	if c == nil {
		return nil
	}
	out := make(CLP, len(c))
	for key, value := range c {
		switch key {
		case KeyReadUserFields, KeyWriteUserFields:
			if fields, ok := asStrings(value); ok {
				out[key] = fields
			} else {
				out[key] = value
			}
		case KeyProtectedFields:
			if pf, ok := asProtectedFields(value); ok {
				out[key] = pf
			} else {
				out[key] = value
			}
		default:
			perms, ok := asMap(value)
			if !ok {
				out[key] = value
				continue
			}
			cp := make(map[string]interface{}, len(perms))
			for entity, permit := range perms {
				if entity == KeyPointerFields {
					if fields, ok := asStrings(permit); ok {
						cp[entity] = fields
						continue
					}
				}
				cp[entity] = permit
			}
			out[key] = cp
		}
	}
	return out
}

// Operation returns the entity map of op.
func (c CLP) Operation(op string) (map[string]interface{}, bool) {
	if c == nil {
		return nil, false
	}
	return asMap(c[op])
}

// PointerFields returns the pointerFields of op.
func (c CLP) PointerFields(op string) []string {
	perms, ok := c.Operation(op)
	if !ok {
		return nil
	}
	fields, _ := asStrings(perms[KeyPointerFields])
	return fields
}

// UserFields returns readUserFields or writeUserFields.
func (c CLP) UserFields(key string) []string {
	if c == nil {
		return nil
	}
	fields, _ := asStrings(c[key])
	return fields
}

// ProtectedFields returns the entity -> fields redaction map.
func (c CLP) ProtectedFields() map[string][]string {
	if c == nil {
		return nil
	}
	pf, _ := asProtectedFields(c[KeyProtectedFields])
	return pf
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[string]bool:
		out := make(map[string]interface{}, len(m))
		for k, b := range m {
			out[k] = b
		}
		return out, true
	}
	return nil, false
}

func asStrings(v interface{}) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return append([]string{}, s...), true
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	}
	return nil, false
}

func asProtectedFields(v interface{}) (map[string][]string, bool) {
	switch m := v.(type) {
	case map[string][]string:
		out := make(map[string][]string, len(m))
		for k, fields := range m {
			out[k] = append([]string{}, fields...)
		}
		return out, true
	case map[string]interface{}:
		out := make(map[string][]string, len(m))
		for k, raw := range m {
			fields, ok := asStrings(raw)
			if !ok {
				return nil, false
			}
			out[k] = fields
		}
		return out, true
	}
	return nil, false
}
