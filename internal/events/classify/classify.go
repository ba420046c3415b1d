// Package classify maps events to the UI workspaces that should display them.
package classify

import "github.com/projecttab/backend/internal/events"

// Workspace is one of the four UI channels events are routed to.
type Workspace string

const (
	WorkspaceBriefing Workspace = "briefing"
	WorkspaceQueue    Workspace = "queue"
	WorkspaceMap      Workspace = "map"
	WorkspaceControls Workspace = "controls"
)

// Target is the routing result: a primary workspace and an optional secondary.
type Target struct {
	Primary   Workspace `json:"primary"`
	Secondary Workspace `json:"secondary,omitempty"`
}

// Classify is a pure function from an event to its workspace targets. The
// switch is exhaustive over events.KnownTypes; anything unrecognized lands on
// the controls workspace.
func Classify(ev *events.Event) Target {
	switch ev.Type {
	case events.TypeStatus:
		return Target{Primary: WorkspaceBriefing}

	case events.TypeDecision:
		if ev.Decision != nil && ev.Decision.Subtype == events.DecisionSubtypeToolApproval {
			return Target{Primary: WorkspaceQueue, Secondary: WorkspaceControls}
		}
		return Target{Primary: WorkspaceQueue, Secondary: WorkspaceBriefing}

	case events.TypeArtifact:
		return Target{Primary: WorkspaceMap, Secondary: WorkspaceBriefing}

	case events.TypeCoherence:
		if ev.Coherence != nil && ev.Coherence.Severity.AtLeast(events.SeverityHigh) {
			return Target{Primary: WorkspaceMap, Secondary: WorkspaceQueue}
		}
		return Target{Primary: WorkspaceMap}

	case events.TypeToolCall:
		return Target{Primary: WorkspaceControls}

	case events.TypeCompletion:
		return Target{Primary: WorkspaceBriefing, Secondary: WorkspaceControls}

	case events.TypeError:
		if ev.Error != nil && ev.Error.Severity.AtLeast(events.SeverityHigh) {
			return Target{Primary: WorkspaceControls, Secondary: WorkspaceBriefing}
		}
		return Target{Primary: WorkspaceControls}

	case events.TypeDelegation:
		return Target{Primary: WorkspaceControls, Secondary: WorkspaceBriefing}

	case events.TypeGuardrail:
		if ev.Guardrail != nil && ev.Guardrail.Tripped {
			return Target{Primary: WorkspaceControls, Secondary: WorkspaceQueue}
		}
		return Target{Primary: WorkspaceControls}

	case events.TypeLifecycle:
		return Target{Primary: WorkspaceControls, Secondary: WorkspaceBriefing}

	case events.TypeProgress:
		return Target{Primary: WorkspaceBriefing}

	case events.TypeRawProvider:
		return Target{Primary: WorkspaceControls}

	default:
		return Target{Primary: WorkspaceControls}
	}
}
