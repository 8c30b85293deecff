package controllers

import (
	"k8s.io/apimachinery/pkg/util/sets"
)

// Columns of _User only the master key may read.
var userInternalFields = []string{
	"_email_verify_token",
	"_perishable_token",
	"_perishable_token_expires_at",
	"_tombstone",
	"_email_verify_token_expires_at",
	"_failed_login_count",
	"_account_lockout_expires_at",
	"_password_changed_at",
	"_password_history",
}

// filterSensitiveData strips what the caller may not see from a result row:
// protected fields for non-master callers and the credentials and internal
// bookkeeping of _User rows.
func filterSensitiveData(isMaster bool, aclGroup []string, className string, protected *protectedFields, object map[string]interface{}) map[string]interface{} {
	if object == nil {
		return nil
	}
	if !isMaster {
		for _, field := range protected.forRow(object) {
			delete(object, field)
		}
	}
	if className != "_User" {
		return object
	}
	delete(object, "_hashed_password")
	delete(object, "password")
	delete(object, "sessionToken")
	if isMaster {
		return object
	}
	for _, field := range userInternalFields {
		delete(object, field)
	}
	id, _ := object["objectId"].(string)
	if id != "" && sets.New[string](aclGroup...).Has(id) {
		return object
	}
	delete(object, "authData")
	return object
}

// Update ops whose outcome depends on the stored value; their results are
// echoed back to the caller.
var echoedOps = sets.New[string]("Increment", "Add", "AddUnique", "Remove")

// sanitizeDatabaseResult copies into result the fields of stored whose
// original update was an op the caller cannot compute locally.
func sanitizeDatabaseResult(original, stored map[string]interface{}) map[string]interface{} {
	result := map[string]interface{}{}
	if stored == nil {
		return result
	}
	for _, key := range sortedKeys(original) {
		op, ok := original[key].(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := op["__op"].(string)
		if !echoedOps.Has(name) {
			continue
		}
		if v, ok := stored[key]; ok {
			result[key] = v
		}
	}
	return result
}
