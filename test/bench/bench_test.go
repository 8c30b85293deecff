package bench

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/sukryu/pStore/pkg/controllers"
	"github.com/sukryu/pStore/pkg/store/dynamic/sqlite"
	"github.com/sukryu/pStore/pkg/store/schema"
)

func setupBench(b *testing.B) controllers.DatabaseController {
	a, err := sqlite.Open(zap.NewNop(), ":memory:")
	if err != nil {
		b.Fatalf("failed to open sqlite adapter: %v", err)
	}
	b.Cleanup(func() { _ = a.Close() })
	return controllers.NewDatabaseController(zap.NewNop(), a, nil)
}

func seed(b *testing.B, dc controllers.DatabaseController, className string, n int) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := dc.Create(ctx, className, map[string]interface{}{
			"name":  fmt.Sprintf("user-%d", i),
			"age":   i % 80,
			"email": fmt.Sprintf("user-%d@example.com", i),
		}, controllers.WriteOptions{IsMaster: true})
		if err != nil {
			b.Fatalf("failed to seed %s: %v", className, err)
		}
	}
}

func BenchmarkDatabaseController_Create(b *testing.B) {
	dc := setupBench(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := dc.Create(ctx, "People", map[string]interface{}{
			"name": fmt.Sprintf("user-%d", i),
			"age":  i % 80,
		}, controllers.WriteOptions{IsMaster: true})
		if err != nil {
			b.Fatalf("create failed: %v", err)
		}
	}
}

func BenchmarkDatabaseController_IndexVsNoIndex(b *testing.B) {
	dc := setupBench(b)
	ctx := context.Background()
	seed(b, dc, "Indexed", 500)
	seed(b, dc, "Plain", 500)

	_, err := dc.Schema().UpdateClass(ctx, "Indexed", nil, nil, map[string]schema.Index{
		"email_1": {"email": 1},
	})
	if err != nil {
		b.Fatalf("failed to add index: %v", err)
	}

	query := map[string]interface{}{"email": "user-250@example.com"}
	b.ResetTimer()
	b.Run("QueryWithIndex", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if _, err := dc.Find(ctx, "Indexed", query, controllers.FindOptions{IsMaster: true}); err != nil {
				b.Fatalf("find failed: %v", err)
			}
		}
	})

	b.Run("QueryWithoutIndex", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if _, err := dc.Find(ctx, "Plain", query, controllers.FindOptions{IsMaster: true}); err != nil {
				b.Fatalf("find failed: %v", err)
			}
		}
	})
}

func BenchmarkDatabaseController_FindWithACL(b *testing.B) {
	dc := setupBench(b)
	ctx := context.Background()
	seed(b, dc, "People", 200)
	opts := controllers.FindOptions{ACL: []string{"*", "abcdefghij", "role:admin"}, Limit: 20}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := dc.Find(ctx, "People", map[string]interface{}{"age": map[string]interface{}{"$gte": 40}}, opts); err != nil {
			b.Fatalf("find failed: %v", err)
		}
	}
}

func BenchmarkSchemaController_ValidateObjectParallel(b *testing.B) {
	dc := setupBench(b)
	ctx := context.Background()
	seed(b, dc, "People", 1)
	sc := dc.Schema()
	object := map[string]interface{}{"name": "x", "age": 3, "email": "x@example.com"}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := sc.ValidateObject(ctx, "People", object, nil); err != nil {
				b.Errorf("validate failed: %v", err)
				return
			}
		}
	})
}
