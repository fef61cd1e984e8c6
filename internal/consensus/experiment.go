package consensus

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"keystone/internal/domain"
)

// DefaultExperiment is returned when no opinion proposes a usable experiment.
var DefaultExperiment = domain.Experiment{
	Name:          "Validate Core Assumption",
	Hypothesis:    "The core problem is painful enough that target users will act on a solution",
	Test:          "Put the smallest version of the offer in front of target users and observe what they do",
	SuccessMetric: "A clear majority of target users take the intended action",
	Timebox:       "1 week",
}

var (
	quantitativeRe = regexp.MustCompile(`\d|%`)
	timeboxRe      = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?|an?|one|two|three|four|five|six|seven|eight|nine|ten|twelve)\s*-?\s*(minutes?|mins?|hours?|hrs?|days?|fortnights?|weeks?|wks?|months?|mos?|quarters?|years?)\b`)
)

var numberWords = map[string]float64{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "twelve": 12,
}

// SelectExperiment prefers quantitative success metrics, then the shortest
// timebox. Ties keep roster order.
func SelectExperiment(m domain.OpinionMap) domain.Experiment {
	var (
		best      domain.Experiment
		found     bool
		bestQuant bool
		bestDays  float64
	)
	for _, op := range m.Opinions() {
		exp, ok := op.Experiment()
		if !ok {
			continue
		}
		quant := IsQuantitative(exp.SuccessMetric)
		days := TimeboxDays(exp.Timebox)
		if !found || better(quant, days, bestQuant, bestDays) {
			best, found, bestQuant, bestDays = exp, true, quant, days
		}
	}
	if !found {
		return DefaultExperiment
	}
	return best
}

func better(quant bool, days float64, bestQuant bool, bestDays float64) bool {
	if quant != bestQuant {
		return quant
	}
	return days < bestDays
}

// IsQuantitative reports whether a metric carries a number or percentage.
func IsQuantitative(metric string) bool {
	return quantitativeRe.MatchString(metric)
}

// TimeboxDays parses a timebox such as "2 weeks" into days. Unparseable
// timeboxes sort last.
func TimeboxDays(timebox string) float64 {
	match := timeboxRe.FindStringSubmatch(timebox)
	if match == nil {
		return math.Inf(1)
	}
	qty, ok := numberWords[strings.ToLower(match[1])]
	if !ok {
		v, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return math.Inf(1)
		}
		qty = v
	}
	unit := strings.ToLower(match[2])
	switch {
	case strings.HasPrefix(unit, "mi"):
		return qty / (24 * 60)
	case strings.HasPrefix(unit, "h"):
		return qty / 24
	case strings.HasPrefix(unit, "d"):
		return qty
	case strings.HasPrefix(unit, "w"):
		return qty * 7
	case strings.HasPrefix(unit, "f"):
		return qty * 14
	case strings.HasPrefix(unit, "mo"):
		return qty * 30
	case strings.HasPrefix(unit, "q"):
		return qty * 91
	case strings.HasPrefix(unit, "y"):
		return qty * 365
	}
	return math.Inf(1)
}
