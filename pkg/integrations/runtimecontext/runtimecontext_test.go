package runtimecontext_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/beacon/pkg/client"
	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/integrations/runtimecontext"
	"github.com/Mindburn-Labs/beacon/pkg/transport/transporttest"
)

func TestProcess(t *testing.T) {
	ev := event.New()
	ev.Contexts["os"] = map[string]any{"name": "custom"}

	out := runtimecontext.New().Process(ev, nil)

	assert.Equal(t, "go", out.Contexts["runtime"]["name"])
	assert.Equal(t, runtime.Version(), out.Contexts["runtime"]["version"])
	assert.Equal(t, runtime.GOARCH, out.Contexts["device"]["arch"])
	assert.Equal(t, "custom", out.Contexts["os"]["name"])
}

func TestIntegration_ThroughClient(t *testing.T) {
	rec := transporttest.New()
	c := client.New(client.Options{
		Transport:    rec,
		Integrations: []client.Integration{runtimecontext.New()},
	})
	c.CaptureMessage("hello", "", nil, nil)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, runtime.GOOS, events[0].Contexts["os"]["name"])
	assert.Equal(t, []string{runtimecontext.Name}, events[0].Sdk.Integrations)
}
