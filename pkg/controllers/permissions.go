package controllers

import (
	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/schema"
)

func isReadOperation(op string) bool {
	return op == schema.OpGet || op == schema.OpFind || op == schema.OpCount
}

// userFieldsKey is the CLP key holding the pointer fields that grant row
// level access for op.
func userFieldsKey(op string) string {
	if isReadOperation(op) {
		return schema.KeyReadUserFields
	}
	return schema.KeyWriteUserFields
}

// TestPermissions reports whether one of aclGroup is granted op by clp. A
// permission document without op leaves op open.
func TestPermissions(clp schema.CLP, aclGroup []string, op string) bool {
	perms, ok := clp.Operation(op)
	if !ok {
		return true
	}
	if granted(perms, schema.EntityPublic) {
		return true
	}
	for _, acl := range aclGroup {
		if granted(perms, acl) {
			return true
		}
	}
	return false
}

func granted(perms map[string]interface{}, entity string) bool {
	permit, _ := perms[entity].(bool)
	return permit
}

// GetClassLevelPermissions returns the effective permissions of className:
// the stored ones over an all-denying base, or the defaults when none were
// stored. Unknown classes have none.
func (c *SchemaController) GetClassLevelPermissions(className string) schema.CLP {
	cd, ok := c.Data().Get(className)
	if !ok {
		return nil
	}
	return schema.StoredCLP(cd.ClassLevelPermissions)
}

func (c *SchemaController) TestPermissionsForClassName(className string, aclGroup []string, op string) bool {
	clp := c.GetClassLevelPermissions(className)
	if clp == nil {
		return true
	}
	return TestPermissions(clp, aclGroup, op)
}

// ValidatePermission checks op for aclGroup. Pointer and user field
// permissions pass here and are enforced per row when the query is rewritten.
func (c *SchemaController) ValidatePermission(className string, aclGroup []string, op, action string) error {
	clp := c.GetClassLevelPermissions(className)
	if clp == nil || TestPermissions(clp, aclGroup, op) {
		return nil
	}
	perms, ok := clp.Operation(op)
	if !ok {
		return nil
	}
	if granted(perms, schema.EntityRequiresAuthentication) {
		if len(aclGroup) == 0 || (len(aclGroup) == 1 && aclGroup[0] == schema.EntityPublic) {
			return errors.ErrObjectNotFound.New("Permission denied, user needs to be authenticated.")
		}
		return nil
	}
	if action == "" {
		action = op
	}
	key := userFieldsKey(op)
	// No row exists yet for a create to match against.
	if key == schema.KeyWriteUserFields && op == schema.OpCreate {
		return errors.ErrOperationForbidden.Newf("Permission denied for action %s on class %s.", action, className)
	}
	if len(clp.UserFields(key)) > 0 {
		return nil
	}
	if len(clp.PointerFields(op)) > 0 {
		return nil
	}
	return errors.ErrOperationForbidden.Newf("Permission denied for action %s on class %s.", action, className)
}
