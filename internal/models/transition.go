package models

import "fmt"

type TransitionKind int

const (
	TransitionStay TransitionKind = iota
	TransitionGoto
	TransitionFinish
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionStay:
		return "stay"
	case TransitionGoto:
		return "goto"
	case TransitionFinish:
		return "finish"
	default:
		return fmt.Sprintf("transition(%d)", int(k))
	}
}

// Field is a single form assignment carried by a transition.
type Field struct {
	Name  string
	Value any
}

// Transition is the decision a state makes after handling one update.
type Transition struct {
	Kind   TransitionKind
	Target StateID
	Fields []Field
	Clear  bool
}

func Stay() Transition {
	return Transition{Kind: TransitionStay}
}

func Goto(target StateID) Transition {
	return Transition{Kind: TransitionGoto, Target: target}
}

func Finish() Transition {
	return Transition{Kind: TransitionFinish}
}

// With returns a copy of t that also assigns value to field.
func (t Transition) With(field string, value any) Transition {
	fields := make([]Field, 0, len(t.Fields)+1)
	fields = append(fields, t.Fields...)
	t.Fields = append(fields, Field{Name: field, Value: value})
	return t
}

// ClearForm returns a copy of t that drops all previously collected fields
// before its own assignments are applied.
func (t Transition) ClearForm() Transition {
	t.Clear = true
	return t
}

// Apply produces the form that results from t. The input form is not modified.
func (t Transition) Apply(form *StatesForm) (*StatesForm, error) {
	out := form.Clone()
	if t.Clear {
		out.Clear()
	}
	for _, f := range t.Fields {
		if err := out.Set(f.Name, f.Value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t Transition) String() string {
	if t.Kind == TransitionGoto {
		return fmt.Sprintf("goto(%s)", t.Target)
	}
	return t.Kind.String()
}
