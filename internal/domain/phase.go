// Package domain holds the interview data model shared by the engine packages.
package domain

// Phase is a stage of the interview conversation.
type Phase string

const (
	PhaseGreeting              Phase = "greeting"
	PhaseSelfIntroduction      Phase = "self_introduction"
	PhaseCandidateIntroduction Phase = "candidate_introduction"
	PhaseSeedExecution         Phase = "seed_execution"
	PhaseDynamicFollowup       Phase = "dynamic_followup"
	PhaseClosure               Phase = "closure"
	PhaseComplete              Phase = "complete"
)

var phaseOrder = []Phase{
	PhaseGreeting,
	PhaseSelfIntroduction,
	PhaseCandidateIntroduction,
	PhaseSeedExecution,
	PhaseDynamicFollowup,
	PhaseClosure,
	PhaseComplete,
}

// Index returns the position of the phase in the conversation order or -1.
func (p Phase) Index() int {
	for i, phase := range phaseOrder {
		if phase == p {
			return i
		}
	}
	return -1
}

// Next returns the phase following p. The terminal phase returns itself.
func (p Phase) Next() Phase {
	idx := p.Index()
	if idx < 0 || idx == len(phaseOrder)-1 {
		return p
	}
	return phaseOrder[idx+1]
}

// IsIntro reports whether the phase belongs to the fixed introduction sequence.
func (p Phase) IsIntro() bool {
	return p == PhaseGreeting || p == PhaseSelfIntroduction || p == PhaseCandidateIntroduction
}

// IsTechnical reports whether questions are being asked in this phase.
func (p Phase) IsTechnical() bool {
	return p == PhaseSeedExecution || p == PhaseDynamicFollowup
}

// Before reports whether p comes strictly before other.
func (p Phase) Before(other Phase) bool {
	return p.Index() < other.Index()
}
