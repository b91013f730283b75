// Package callwarden governs tool calls in process. It wraps tool functions,
// evaluates each call against a contract bundle (preconditions, session
// limits, postconditions), and writes one redacted audit event per call.
//
// Usage:
//
//	g, err := callwarden.New(callwarden.WithBundleFile("bundle.yaml"))
//	defer g.Close(ctx)
//	readFile := g.Wrap(func(ctx context.Context, call callwarden.Call) (any, error) {
//	    return os.ReadFile(call.Args["path"].(string))
//	})
//	out, err := readFile(ctx, callwarden.Call{
//	    Tool: "read_file",
//	    Args: map[string]any{"path": "/app/.env"},
//	})
//	var denied *callwarden.DeniedError
//	if errors.As(err, &denied) { ... }
//
// The SDK links directly against internal packages for zero-subprocess
// overhead. External users import github.com/ppiankov/callwarden/sdk/go/callwarden.
package callwarden
