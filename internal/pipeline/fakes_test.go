package pipeline

import (
	"context"
	"sync"

	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/provider"
)

// recordingText answers every turn with one sentence and remembers the resolved
// control it was given.
type recordingText struct {
	mu   sync.Mutex
	seen []control.TurnControl
}

func (r *recordingText) StreamText(ctx context.Context, _ string, c control.TurnControl, _ provider.TurnContext) (<-chan provider.Result[string], error) {
	r.mu.Lock()
	r.seen = append(r.seen, c)
	r.mu.Unlock()
	out := make(chan provider.Result[string], 1)
	out <- provider.Result[string]{Value: "Okay then."}
	close(out)
	return out, nil
}

func (r *recordingText) Health(context.Context) provider.HealthStatus {
	return provider.HealthStatus{Name: "recording_text", Healthy: true}
}

func (r *recordingText) Capabilities() provider.Capabilities {
	return provider.Capabilities{Name: "recording_text", Kind: provider.KindText}
}

func (r *recordingText) controls() []control.TurnControl {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]control.TurnControl(nil), r.seen...)
}
