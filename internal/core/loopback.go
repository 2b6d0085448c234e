package core

import (
	"context"
	"fmt"
	"time"
)

// NewLoopbackRunner returns a Runner that completes every job locally
// without contacting an upstream provider. It exists so the service can run
// end to end before real provider credentials are configured.
func NewLoopbackRunner() Runner {
	return RunnerFunc(func(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return &GenerationResult{
			OutputURL: fmt.Sprintf("loopback://%s/%d", req.Provider, time.Now().UnixNano()),
			Raw: map[string]any{
				"provider": req.Provider,
				"prompt":   req.Prompt,
				"loopback": true,
			},
		}, nil
	})
}
