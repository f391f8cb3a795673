package types

import (
	"fmt"
	"strings"
)

// IndicatorKind tags the Indicator variant.
type IndicatorKind int

const (
	// IndicatorBuiltIn references a server-side study by id, e.g. "Volume@tv-basicstudies-241".
	IndicatorBuiltIn IndicatorKind = iota
	// IndicatorScript is a compiled Pine script fetched out of band.
	IndicatorScript
)

func (k IndicatorKind) String() string {
	switch k {
	case IndicatorBuiltIn:
		return "builtin"
	case IndicatorScript:
		return "script"
	default:
		return fmt.Sprintf("IndicatorKind(%d)", int(k))
	}
}

// IndicatorInput is one declared input of a scripted indicator.
type IndicatorInput struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Inline string `json:"inline,omitempty"`
	Type   string `json:"type"`
	Value  any    `json:"value"`
	Hidden bool   `json:"hidden,omitempty"`
}

// Indicator is a tagged variant: built-in indicators carry Options, scripted
// ones carry the compiled Script, its access Token and declared Inputs.
type Indicator struct {
	Kind    IndicatorKind
	ID      string
	Version string

	// built-in
	Options map[string]any

	// scripted
	Script   string
	Token    string
	Inputs   []IndicatorInput
	Strategy bool

	// Plots maps "plot_N" to a display name.
	Plots map[string]string
}

// NewBuiltInIndicator references a built-in study.
func NewBuiltInIndicator(id string) Indicator {
	return Indicator{Kind: IndicatorBuiltIn, ID: id, Options: map[string]any{}}
}

// IsBuiltInID reports whether id names a built-in study rather than a script.
func IsBuiltInID(id string) bool {
	return strings.Contains(id, "@")
}

// StudyType is the type string sent in create_study.
func (ind Indicator) StudyType() string {
	if ind.Kind == IndicatorBuiltIn {
		return ind.ID
	}
	if ind.Strategy {
		return "StrategyScript@tv-scripting-101!"
	}
	return "Script@tv-scripting-101!"
}

// Clone returns a copy whose maps and slices are not shared.
func (ind Indicator) Clone() Indicator {
	out := ind
	if ind.Options != nil {
		out.Options = make(map[string]any, len(ind.Options))
		for k, v := range ind.Options {
			out.Options[k] = v
		}
	}
	if ind.Inputs != nil {
		out.Inputs = append([]IndicatorInput(nil), ind.Inputs...)
	}
	if ind.Plots != nil {
		out.Plots = make(map[string]string, len(ind.Plots))
		for k, v := range ind.Plots {
			out.Plots[k] = v
		}
	}
	return out
}

// WithOption returns a copy with one option changed. Scripted inputs match by
// id, then by name; an unknown scripted input is an error.
func (ind Indicator) WithOption(name string, value any) (Indicator, error) {
	out := ind.Clone()
	if out.Kind == IndicatorBuiltIn {
		if out.Options == nil {
			out.Options = map[string]any{}
		}
		out.Options[name] = value
		return out, nil
	}

	for i := range out.Inputs {
		if out.Inputs[i].ID == name || out.Inputs[i].Name == name || out.Inputs[i].Inline == name {
			out.Inputs[i].Value = value
			return out, nil
		}
	}
	return Indicator{}, fmt.Errorf("indicator %s has no input %q", ind.ID, name)
}

// StudyInputs builds the inputs object of create_study.
func (ind Indicator) StudyInputs() map[string]any {
	if ind.Kind == IndicatorBuiltIn {
		inputs := make(map[string]any, len(ind.Options))
		for k, v := range ind.Options {
			inputs[k] = v
		}
		return inputs
	}

	inputs := map[string]any{
		"text":        ind.Script,
		"pineId":      ind.ID,
		"pineVersion": ind.Version,
		"pineFeatures": map[string]any{
			"v": `{"indicator":1,"plot":1,"ta":1}`,
			"f": true,
			"t": "text",
		},
	}
	for _, in := range ind.Inputs {
		inputs[in.ID] = map[string]any{"v": in.Value, "f": true, "t": in.Type}
	}
	return inputs
}

// PlotName returns the display name for column i of a study row.
func (ind Indicator) PlotName(i int) string {
	key := fmt.Sprintf("plot_%d", i)
	if name, ok := ind.Plots[key]; ok && name != "" {
		return name
	}
	return key
}

// StudyPeriod is one row of study output aligned to a chart period.
type StudyPeriod struct {
	Time  int64              `json:"time"`
	Plots map[string]float64 `json:"plots"`
}
