package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/schema"
)

var _ dynamic.StorageAdapter = (*MockAdapter)(nil)

// MockAdapter implements dynamic.StorageAdapter on testify's mock.Mock.
type MockAdapter struct {
	mock.Mock
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

// ExpectAllClasses makes every GetAllClasses call return classes.
func (m *MockAdapter) ExpectAllClasses(classes ...*schema.Schema) *mock.Call {
	return m.On("GetAllClasses", mock.Anything).Return(classes, nil)
}

// ExpectCreateClass accepts the creation of className and echoes the schema.
func (m *MockAdapter) ExpectCreateClass(className string) *mock.Call {
	return m.On("CreateClass", mock.Anything, className, mock.Anything).
		Return(func(_ context.Context, _ string, s *schema.Schema) *schema.Schema { return s }, nil)
}

// ExpectAddField accepts adding fieldName to className.
func (m *MockAdapter) ExpectAddField(className, fieldName string) *mock.Call {
	return m.On("AddFieldIfNotExists", mock.Anything, className, fieldName, mock.Anything).Return(nil)
}

// 스키마 관련 메서드
func (m *MockAdapter) ClassExists(ctx context.Context, className string) (bool, error) {
	args := m.Called(ctx, className)
	return args.Bool(0), args.Error(1)
}

func (m *MockAdapter) SetClassLevelPermissions(ctx context.Context, className string, clp schema.CLP) error {
	args := m.Called(ctx, className, clp)
	return args.Error(0)
}

func (m *MockAdapter) CreateClass(ctx context.Context, className string, s *schema.Schema) (*schema.Schema, error) {
	args := m.Called(ctx, className, s)
	switch v := args.Get(0).(type) {
	case *schema.Schema:
		return v, args.Error(1)
	case func(context.Context, string, *schema.Schema) *schema.Schema:
		return v(ctx, className, s), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAdapter) AddFieldIfNotExists(ctx context.Context, className, fieldName string, fieldType schema.FieldType) error {
	args := m.Called(ctx, className, fieldName, fieldType)
	return args.Error(0)
}

func (m *MockAdapter) DeleteClass(ctx context.Context, className string) error {
	args := m.Called(ctx, className)
	return args.Error(0)
}

func (m *MockAdapter) DeleteAllClasses(ctx context.Context, fast bool) error {
	args := m.Called(ctx, fast)
	return args.Error(0)
}

func (m *MockAdapter) DeleteFields(ctx context.Context, className string, s *schema.Schema, fieldNames []string) error {
	args := m.Called(ctx, className, s, fieldNames)
	return args.Error(0)
}

func (m *MockAdapter) GetAllClasses(ctx context.Context) ([]*schema.Schema, error) {
	args := m.Called(ctx)
	if classes, ok := args.Get(0).([]*schema.Schema); ok {
		return classes, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAdapter) GetClass(ctx context.Context, className string) (*schema.Schema, error) {
	args := m.Called(ctx, className)
	if s, ok := args.Get(0).(*schema.Schema); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

// 객체 관련 메서드
func (m *MockAdapter) CreateObject(ctx context.Context, className string, s *schema.Schema, object map[string]interface{}) error {
	args := m.Called(ctx, className, s, object)
	return args.Error(0)
}

func (m *MockAdapter) DeleteObjectsByQuery(ctx context.Context, className string, s *schema.Schema, query map[string]interface{}) (int64, error) {
	args := m.Called(ctx, className, s, query)
	n, _ := args.Get(0).(int64)
	return n, args.Error(1)
}

func (m *MockAdapter) UpdateObjectsByQuery(ctx context.Context, className string, s *schema.Schema, query, update map[string]interface{}) (int64, error) {
	args := m.Called(ctx, className, s, query, update)
	n, _ := args.Get(0).(int64)
	return n, args.Error(1)
}

func (m *MockAdapter) FindOneAndUpdate(ctx context.Context, className string, s *schema.Schema, query, update map[string]interface{}) (map[string]interface{}, error) {
	args := m.Called(ctx, className, s, query, update)
	if obj, ok := args.Get(0).(map[string]interface{}); ok {
		return obj, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAdapter) UpsertOneObject(ctx context.Context, className string, s *schema.Schema, query, update map[string]interface{}) error {
	args := m.Called(ctx, className, s, query, update)
	return args.Error(0)
}

func (m *MockAdapter) Find(ctx context.Context, className string, s *schema.Schema, query map[string]interface{}, opts dynamic.QueryOptions) ([]map[string]interface{}, error) {
	args := m.Called(ctx, className, s, query, opts)
	if rows, ok := args.Get(0).([]map[string]interface{}); ok {
		return rows, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAdapter) Count(ctx context.Context, className string, s *schema.Schema, query map[string]interface{}) (int64, error) {
	args := m.Called(ctx, className, s, query)
	n, _ := args.Get(0).(int64)
	return n, args.Error(1)
}

func (m *MockAdapter) Distinct(ctx context.Context, className string, s *schema.Schema, query map[string]interface{}, fieldName string) ([]interface{}, error) {
	args := m.Called(ctx, className, s, query, fieldName)
	if values, ok := args.Get(0).([]interface{}); ok {
		return values, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAdapter) Aggregate(ctx context.Context, className string, s *schema.Schema, pipeline []map[string]interface{}) ([]map[string]interface{}, error) {
	args := m.Called(ctx, className, s, pipeline)
	if rows, ok := args.Get(0).([]map[string]interface{}); ok {
		return rows, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAdapter) EnsureUniqueness(ctx context.Context, className string, s *schema.Schema, fieldNames []string) error {
	args := m.Called(ctx, className, s, fieldNames)
	return args.Error(0)
}

// 인덱스 관련 메서드
func (m *MockAdapter) CreateIndexes(ctx context.Context, className string, indexes map[string]schema.Index) error {
	args := m.Called(ctx, className, indexes)
	return args.Error(0)
}

func (m *MockAdapter) DropIndexes(ctx context.Context, className string, names []string) error {
	args := m.Called(ctx, className, names)
	return args.Error(0)
}

func (m *MockAdapter) GetIndexes(ctx context.Context, className string) (map[string]schema.Index, error) {
	args := m.Called(ctx, className)
	if indexes, ok := args.Get(0).(map[string]schema.Index); ok {
		return indexes, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAdapter) UpdateSchemaIndexes(ctx context.Context, className string, indexes map[string]schema.Index) error {
	args := m.Called(ctx, className, indexes)
	return args.Error(0)
}

func (m *MockAdapter) PerformInitialization(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockAdapter) Close() error {
	args := m.Called()
	return args.Error(0)
}
