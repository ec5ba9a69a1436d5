// Package httpserver provides a minimal JSON surface for operating a broker:
// health and loop stats for supervisors, and an enqueue endpoint for
// producers that do not link the store directly.
//
// Example:
//
//	s := httpserver.New(jobStore, b.Stats)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
