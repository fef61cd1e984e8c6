// Package consensus turns a complete OpinionMap into one board decision.
package consensus

import (
	"fmt"

	"keystone/internal/domain"
)

// Rule names reported in ConsensusResult.Rule.
const (
	RuleTotalFailure       = "total_failure"
	RuleRejectionThreshold = "rejection_threshold"
	RulePuristVeto         = "purist_veto"
	RuleMajority           = "majority"
	RuleFallback           = "fallback"
)

const (
	TotalFailureConfidence = 0.3
	FallbackConfidence     = 0.5
	RejectionThreshold     = 2
	OverrideConfidence     = 0.75
	maxReasons             = 3
)

// Decide evaluates the rule ladder; the first matching rule wins.
func Decide(m domain.OpinionMap, mode domain.Mode) domain.ConsensusResult {
	if m.AllFailed() {
		return domain.ConsensusResult{
			Verdict:    domain.VerdictUnclear,
			Confidence: TotalFailureConfidence,
			Reasons:    []string{"No specialist returned a usable opinion"},
			Rule:       RuleTotalFailure,
		}
	}
	opinions := m.Opinions()

	noGo := standardVotersFor(opinions, domain.VerdictNoGo)
	if len(noGo) >= RejectionThreshold {
		return domain.ConsensusResult{
			Verdict:    domain.VerdictNoGo,
			Confidence: meanConfidence(noGo),
			Reasons:    withSupport(fmt.Sprintf("%d specialists voted NO_GO", len(noGo)), noGo),
			Rule:       RuleRejectionThreshold,
		}
	}

	if purist, ok := puristOpinion(opinions); ok && vetoes(purist) && !vetoOverridden(opinions) {
		reasons := []string{fmt.Sprintf("%s (%s) voted %s: %s",
			purist.Evaluator.Name, purist.Evaluator.Role, purist.VerdictText(), purist.Objection())}
		if promise := purist.Purist.CorePromise; promise != "" {
			reasons = append(reasons, "Core promise: "+promise)
		}
		return domain.ConsensusResult{
			Verdict:    domain.VerdictPivot,
			Confidence: purist.Confidence(),
			Reasons:    reasons,
			Rule:       RulePuristVeto,
		}
	}

	goVoters := votersFor(opinions, domain.VerdictGo)
	if isStrictPlurality(opinions, domain.VerdictGo) {
		return domain.ConsensusResult{
			Verdict:    domain.VerdictGo,
			Confidence: meanConfidence(goVoters),
			Reasons:    withSupport(fmt.Sprintf("%d of %d specialists voted GO", len(goVoters), m.Len()), goVoters),
			Rule:       RuleMajority,
		}
	}

	reason := "Board could not reach a clear majority"
	if mode == domain.ModeDecide {
		reason = "Board could not reach a clear majority between the two options"
	}
	conf := FallbackConfidence
	if len(opinions) > 0 {
		conf = meanConfidence(opinions)
	}
	return domain.ConsensusResult{
		Verdict:    domain.VerdictUnclear,
		Confidence: conf,
		Reasons:    []string{reason, tally(opinions)},
		Rule:       RuleFallback,
	}
}

func votersFor(opinions []domain.Opinion, v domain.Verdict) []domain.Opinion {
	var out []domain.Opinion
	for _, op := range opinions {
		if op.Vote() == v {
			out = append(out, op)
		}
	}
	return out
}

// standardVotersFor skips the purist, whose NO is its own verdict and not a
// NO_GO vote.
func standardVotersFor(opinions []domain.Opinion, v domain.Verdict) []domain.Opinion {
	var out []domain.Opinion
	for _, op := range votersFor(opinions, v) {
		if op.Purist == nil {
			out = append(out, op)
		}
	}
	return out
}

func meanConfidence(opinions []domain.Opinion) float64 {
	if len(opinions) == 0 {
		return 0
	}
	var sum float64
	for _, op := range opinions {
		sum += op.Confidence()
	}
	return sum / float64(len(opinions))
}

func puristOpinion(opinions []domain.Opinion) (domain.Opinion, bool) {
	for _, op := range opinions {
		if op.Evaluator.IsPurist() && op.Purist != nil {
			return op, true
		}
	}
	return domain.Opinion{}, false
}

func vetoes(purist domain.Opinion) bool {
	v := purist.Purist.Verdict
	return v == domain.PuristCut || v == domain.PuristReframe
}

// vetoOverridden requires a strict majority of the non-purist GO voters to be
// at or above OverrideConfidence.
func vetoOverridden(opinions []domain.Opinion) bool {
	var goVoters, confident int
	for _, op := range opinions {
		if op.Evaluator.IsPurist() || op.Vote() != domain.VerdictGo {
			continue
		}
		goVoters++
		if op.Confidence() >= OverrideConfidence {
			confident++
		}
	}
	return goVoters > 0 && confident*2 > goVoters
}

func isStrictPlurality(opinions []domain.Opinion, v domain.Verdict) bool {
	counts := map[domain.Verdict]int{}
	for _, op := range opinions {
		counts[op.Vote()]++
	}
	target := counts[v]
	if target == 0 {
		return false
	}
	for other, n := range counts {
		if other != v && n >= target {
			return false
		}
	}
	return true
}

// withSupport appends the leading reason of each voter after the headline.
func withSupport(headline string, voters []domain.Opinion) []string {
	reasons := []string{headline}
	seen := map[string]bool{}
	for _, op := range voters {
		if len(reasons) >= maxReasons {
			break
		}
		rs := op.Reasons()
		if len(rs) == 0 || rs[0] == "" || seen[rs[0]] {
			continue
		}
		seen[rs[0]] = true
		reasons = append(reasons, fmt.Sprintf("%s: %s", op.Evaluator.Name, rs[0]))
	}
	return reasons
}

func tally(opinions []domain.Opinion) string {
	counts := map[domain.Verdict]int{}
	for _, op := range opinions {
		counts[op.Vote()]++
	}
	return fmt.Sprintf("Votes: GO %d, NO_GO %d, PIVOT %d, UNCLEAR %d",
		counts[domain.VerdictGo], counts[domain.VerdictNoGo], counts[domain.VerdictPivot], counts[domain.VerdictUnclear])
}
