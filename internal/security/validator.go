// Package security holds the post-decode validator and the per-source
// traffic monitor. The validator judges decoded values against declared
// ranges, cross-signal dependencies and absolute engineering limits; the
// monitor watches frame rates and source behaviour on the wire.
package security

import (
	"fmt"

	"github.com/rvlink/canhub/internal/models"
	"github.com/rvlink/canhub/internal/spec"
	"github.com/rvlink/canhub/pkg/signal"
)

// Violation rule names.
const (
	RuleRange      = "range"
	RuleDependency = "dependency"
	RuleLimit      = "engineering_limit"
)

// Violation is one failed validation rule. A message may carry several.
type Violation struct {
	Signal string  `json:"signal"`
	Rule   string  `json:"rule"`
	Value  float64 `json:"value,omitempty"`
	Detail string  `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s)", v.Signal, v.Detail, v.Rule)
}

// Validator checks decoded messages against the active specification.
type Validator struct {
	store *spec.Store
}

// NewValidator creates a validator reading limits from the spec store.
func NewValidator(store *spec.Store) *Validator {
	return &Validator{store: store}
}

// Validate runs every rule over every signal and returns ALL violations
// found, never stopping at the first. An empty slice means the message is
// clean. Enum and raw signals are exempt from numeric rules.
func (v *Validator) Validate(desc *spec.MessageDescriptor, msg *models.DecodedMessage) []Violation {
	active := v.store.Active()
	var out []Violation

	for _, sd := range desc.Signals {
		val, ok := msg.Signals[sd.Name]
		if !ok || val.Kind != signal.KindNumeric {
			continue
		}
		if !sd.InRange(val.Num) {
			out = append(out, Violation{
				Signal: sd.Name, Rule: RuleRange, Value: val.Num,
				Detail: fmt.Sprintf("value %g outside declared range", val.Num),
			})
		}
		if sd.Unit != "" {
			if lim, found := active.Limit(sd.Unit); found && (val.Num < lim.Min || val.Num > lim.Max) {
				out = append(out, Violation{
					Signal: sd.Name, Rule: RuleLimit, Value: val.Num,
					Detail: fmt.Sprintf("value %g%s outside engineering limit [%g, %g]", val.Num, sd.Unit, lim.Min, lim.Max),
				})
			}
		}
	}

	for _, dep := range desc.Dependencies {
		dependent, ok := msg.Signals[dep.Signal]
		if !ok {
			continue
		}
		gate, ok := msg.Signals[dep.Requires]
		if !ok || gate.Kind != signal.KindEnum {
			continue
		}
		// the dependent signal only carries meaning while the gate holds
		// the required label; a live value otherwise is inconsistent
		if gate.Label != dep.Label && dependent.Kind == signal.KindNumeric && dependent.Num != 0 {
			out = append(out, Violation{
				Signal: dep.Signal, Rule: RuleDependency, Value: dependent.Num,
				Detail: fmt.Sprintf("active while %s is %q, requires %q", dep.Requires, gate.Label, dep.Label),
			})
		}
	}
	return out
}
