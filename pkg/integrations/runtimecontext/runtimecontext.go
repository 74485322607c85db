// Package runtimecontext adds Go runtime, OS and device contexts to events.
package runtimecontext

import (
	"os"
	"runtime"

	"github.com/Mindburn-Labs/beacon/pkg/client"
	"github.com/Mindburn-Labs/beacon/pkg/event"
)

// Name identifies the integration.
const Name = "RuntimeContext"

type Integration struct{}

func New() Integration { return Integration{} }

func (Integration) Name() string { return Name }

func (i Integration) Setup(c *client.Client) {
	c.AddEventProcessor(i.Process)
}

// Process fills the runtime, os and device contexts. Blocks the event
// already has are left alone.
func (Integration) Process(ev *event.Event, _ *event.Hint) *event.Event {
	if ev.Contexts == nil {
		ev.Contexts = make(map[string]map[string]any)
	}
	setDefault(ev.Contexts, "runtime", map[string]any{
		"name":           "go",
		"version":        runtime.Version(),
		"go_numroutines": runtime.NumGoroutine(),
		"go_maxprocs":    runtime.GOMAXPROCS(0),
		"go_numcgocalls": runtime.NumCgoCall(),
		"build_compiler": runtime.Compiler,
	})
	setDefault(ev.Contexts, "os", map[string]any{
		"name": runtime.GOOS,
	})
	device := map[string]any{
		"arch":    runtime.GOARCH,
		"num_cpu": runtime.NumCPU(),
	}
	if host, err := os.Hostname(); err == nil {
		device["name"] = host
	}
	setDefault(ev.Contexts, "device", device)
	return ev
}

func setDefault(contexts map[string]map[string]any, name string, block map[string]any) {
	if _, ok := contexts[name]; !ok {
		contexts[name] = block
	}
}
