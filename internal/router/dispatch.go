package router

import (
	"github.com/0xlynett/piercer/pkg/piercer"
)

// selectAgent implements the dispatch policy as a pure function
// so it is unit-testable without a live registry: candidates must already
// be in stable registration order (as returned by registry.FindForModel).
//
//  1. Prefer agents that already have internalName in LoadedModels.
//  2. Among those, the one with the least PendingRequestCount.
//  3. Break ties by registration order (candidates' existing order).
//
// If no agent has the model loaded, fall back to the first installed
// candidate (letting the agent load it on first use). Returns nil if
// candidates is empty.
func selectAgent(candidates []*piercer.Agent, internalName string) *piercer.Agent {
	if len(candidates) == 0 {
		return nil
	}

	var best *piercer.Agent
	for _, a := range candidates {
		if !contains(a.LoadedModels, internalName) {
			continue
		}
		if best == nil || a.PendingRequestCount < best.PendingRequestCount {
			best = a
		}
	}
	if best != nil {
		return best
	}

	// No candidate has it loaded: fall back to any agent with the model
	// installed, in registration order.
	return candidates[0]
}

func contains(in []string, v string) bool {
	for _, x := range in {
		if x == v {
			return true
		}
	}
	return false
}
