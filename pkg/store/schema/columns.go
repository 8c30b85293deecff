package schema

import (
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Columns every class carries.
var defaultFields = map[string]FieldType{
	"objectId":  {Type: TypeString},
	"createdAt": {Type: TypeDate},
	"updatedAt": {Type: TypeDate},
	"ACL":       {Type: TypeACL},
}

// Implicit columns of the system classes.
var classDefaultFields = map[string]map[string]FieldType{
	"_User": {
		"username":      {Type: TypeString},
		"password":      {Type: TypeString},
		"email":         {Type: TypeString},
		"emailVerified": {Type: TypeBoolean},
		"authData":      {Type: TypeObject},
	},
	"_Installation": {
		"installationId":   {Type: TypeString},
		"deviceToken":      {Type: TypeString},
		"channels":         {Type: TypeArray},
		"deviceType":       {Type: TypeString},
		"pushType":         {Type: TypeString},
		"GCMSenderId":      {Type: TypeString},
		"timeZone":         {Type: TypeString},
		"localeIdentifier": {Type: TypeString},
		"badge":            {Type: TypeNumber},
		"appVersion":       {Type: TypeString},
		"appName":          {Type: TypeString},
		"appIdentifier":    {Type: TypeString},
		"parseVersion":     {Type: TypeString},
	},
	"_Role": {
		"name":  {Type: TypeString},
		"users": {Type: TypeRelation, TargetClass: "_User"},
		"roles": {Type: TypeRelation, TargetClass: "_Role"},
	},
	"_Session": {
		"user":           {Type: TypePointer, TargetClass: "_User"},
		"installationId": {Type: TypeString},
		"sessionToken":   {Type: TypeString},
		"expiresAt":      {Type: TypeDate},
		"createdWith":    {Type: TypeObject},
	},
	"_Product": {
		"productIdentifier": {Type: TypeString},
		"download":          {Type: TypeFile},
		"downloadName":      {Type: TypeString},
		"icon":              {Type: TypeFile},
		"order":             {Type: TypeNumber},
		"title":             {Type: TypeString},
		"subtitle":          {Type: TypeString},
	},
	"_PushStatus": {
		"pushTime":            {Type: TypeString},
		"source":              {Type: TypeString},
		"query":               {Type: TypeString},
		"payload":             {Type: TypeString},
		"title":               {Type: TypeString},
		"expiry":              {Type: TypeNumber},
		"expiration_interval": {Type: TypeNumber},
		"status":              {Type: TypeString},
		"numSent":             {Type: TypeNumber},
		"numFailed":           {Type: TypeNumber},
		"pushHash":            {Type: TypeString},
		"errorMessage":        {Type: TypeObject},
		"sentPerType":         {Type: TypeObject},
		"failedPerType":       {Type: TypeObject},
		"sentPerUTCOffset":    {Type: TypeObject},
		"failedPerUTCOffset":  {Type: TypeObject},
		"count":               {Type: TypeNumber},
	},
	"_JobStatus": {
		"jobName":    {Type: TypeString},
		"source":     {Type: TypeString},
		"status":     {Type: TypeString},
		"message":    {Type: TypeString},
		"params":     {Type: TypeObject},
		"finishedAt": {Type: TypeDate},
	},
	"_JobSchedule": {
		"jobName":       {Type: TypeString},
		"description":   {Type: TypeString},
		"params":        {Type: TypeString},
		"startAfter":    {Type: TypeString},
		"daysOfWeek":    {Type: TypeArray},
		"timeOfDay":     {Type: TypeString},
		"lastRun":       {Type: TypeNumber},
		"repeatMinutes": {Type: TypeNumber},
	},
	"_Hooks": {
		"functionName": {Type: TypeString},
		"className":    {Type: TypeString},
		"triggerName":  {Type: TypeString},
		"url":          {Type: TypeString},
	},
	"_GlobalConfig": {
		"objectId":      {Type: TypeString},
		"params":        {Type: TypeObject},
		"masterKeyOnly": {Type: TypeObject},
	},
	"_GraphQLConfig": {
		"objectId": {Type: TypeString},
		"config":   {Type: TypeObject},
	},
	"_Audience": {
		"objectId":  {Type: TypeString},
		"name":      {Type: TypeString},
		"query":     {Type: TypeString},
		"lastUsed":  {Type: TypeDate},
		"timesUsed": {Type: TypeNumber},
	},
	"_Idempotency": {
		"reqId":  {Type: TypeString},
		"expire": {Type: TypeDate},
	},
}

var (
	SystemClasses = sets.New[string](
		"_User", "_Installation", "_Role", "_Session", "_Product",
		"_PushStatus", "_JobStatus", "_JobSchedule", "_Audience", "_Idempotency",
	)

	// VolatileClasses are synthesized in memory and never go through class creation.
	VolatileClasses = sets.New[string](
		"_JobStatus", "_PushStatus", "_Hooks", "_GlobalConfig",
		"_GraphQLConfig", "_JobSchedule", "_Audience", "_Idempotency",
	)
)

// Required columns per class, split by the direction of the request.
var (
	requiredOnRead = map[string][]string{
		"_User": {"username"},
	}
	requiredOnWrite = map[string][]string{
		"_Product": {"productIdentifier", "icon", "order", "title", "subtitle"},
		"_Role":    {"name", "ACL"},
	}
)

// RequiredColumns returns the columns that must be present on objects of
// className, for reads when query is true.
func RequiredColumns(className string, query bool) []string {
	if query {
		return requiredOnRead[className]
	}
	return requiredOnWrite[className]
}

// IsDefaultField reports whether field is one of the columns every class has.
func IsDefaultField(field string) bool {
	_, ok := defaultFields[field]
	return ok
}

// IsClassDefaultField reports whether field is implicit for className.
func IsClassDefaultField(className, field string) bool {
	if IsDefaultField(field) {
		return true
	}
	_, ok := classDefaultFields[className][field]
	return ok
}

// DefaultFieldsFor returns a fresh map of the implicit columns of className.
func DefaultFieldsFor(className string) map[string]FieldType {
	out := make(map[string]FieldType, len(defaultFields)+len(classDefaultFields[className]))
	for k, v := range defaultFields {
		out[k] = v
	}
	for k, v := range classDefaultFields[className] {
		out[k] = v
	}
	return out
}

// InjectDefaultSchema returns a copy of s with the implicit columns merged in.
// Stored fields win over defaults.
func InjectDefaultSchema(s *Schema) *Schema {
	out := &Schema{
		ClassName:             s.ClassName,
		Fields:                DefaultFieldsFor(s.ClassName),
		ClassLevelPermissions: s.ClassLevelPermissions.Clone(),
	}
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	if len(s.Indexes) > 0 {
		out.Indexes = s.Clone().Indexes
	}
	return out
}

// ToAdapterSchema converts a REST schema to what storage persists: ACL splits
// into _rperm/_wperm and the user password becomes _hashed_password.
func ToAdapterSchema(s *Schema) *Schema {
	out := InjectDefaultSchema(s)
	delete(out.Fields, "ACL")
	out.Fields["_rperm"] = FieldType{Type: TypeArray}
	out.Fields["_wperm"] = FieldType{Type: TypeArray}
	if out.ClassName == "_User" {
		delete(out.Fields, "password")
		out.Fields["_hashed_password"] = FieldType{Type: TypeString}
	}
	return out
}

// FromAdapterSchema is the inverse of ToAdapterSchema.
func FromAdapterSchema(s *Schema) *Schema {
	out := s.Clone()
	delete(out.Fields, "_rperm")
	delete(out.Fields, "_wperm")
	out.Fields["ACL"] = FieldType{Type: TypeACL}
	if out.ClassName == "_User" {
		delete(out.Fields, "authData")
		delete(out.Fields, "_hashed_password")
		out.Fields["password"] = FieldType{Type: TypeString}
	}
	if len(out.Indexes) == 0 {
		out.Indexes = nil
	}
	return out
}

// JoinTableName names the implicit collection backing a relation field.
func JoinTableName(className, key string) string {
	return "_Join:" + key + ":" + className
}

// RelationSchema is the shape of every join table.
var RelationSchema = &Schema{
	Fields: map[string]FieldType{
		"relatedId": {Type: TypeString},
		"owningId":  {Type: TypeString},
	},
}

// VolatileSchema synthesizes the in-memory schema of a volatile class.
func VolatileSchema(className string) *Schema {
	return InjectDefaultSchema(&Schema{ClassName: className, Fields: map[string]FieldType{}, ClassLevelPermissions: CLP{}})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
