package envcollection

import (
	"runtime"
	"sort"
	"strings"

	"github.com/core-tools/hsu-terminal/pkg/errors"
)

// MutatorType says how a contributed value combines with the current one.
type MutatorType string

const (
	MutatorReplace MutatorType = "replace"
	MutatorAppend  MutatorType = "append"
	MutatorPrepend MutatorType = "prepend"
)

// Scope restricts a mutator to terminals started in one workspace folder.
type Scope struct {
	WorkspaceFolder string `json:"workspaceFolder,omitempty" yaml:"workspace_folder,omitempty"`
}

// Mutator is a single contributed change to one variable.
type Mutator struct {
	Variable string      `json:"variable" yaml:"variable"`
	Value    string      `json:"value" yaml:"value"`
	Type     MutatorType `json:"type" yaml:"type"`
	// Separator goes between the current value and an appended or prepended one
	Separator string `json:"separator,omitempty" yaml:"separator,omitempty"`
	Scope     *Scope `json:"scope,omitempty" yaml:"scope,omitempty"`
}

func (m Mutator) appliesTo(scope *Scope) bool {
	if m.Scope == nil {
		return true
	}
	return scope != nil && scope.WorkspaceFolder == m.Scope.WorkspaceFolder
}

func (m Mutator) sameEffect(other Mutator) bool {
	return m.Type == other.Type &&
		m.Value == other.Value &&
		m.Separator == other.Separator &&
		scopeKey(m.Scope) == scopeKey(other.Scope)
}

func scopeKey(scope *Scope) string {
	if scope == nil {
		return ""
	}
	return scope.WorkspaceFolder
}

// Collection is the set of mutators one contributor owns.
type Collection struct {
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Persistent  bool      `json:"persistent,omitempty" yaml:"persistent,omitempty"`
	Mutators    []Mutator `json:"mutators" yaml:"mutators"`
}

// Contribution pairs a collection with its contributor.
type Contribution struct {
	ContributorID string     `json:"contributorId" yaml:"contributor_id"`
	Collection    Collection `json:"collection" yaml:"collection"`
}

// ContributorMutator is a mutator tagged with the contributor that owns it.
type ContributorMutator struct {
	ContributorID string `json:"contributorId"`
	Mutator
}

// ValidateCollection rejects mutators that cannot be applied to an environment.
func ValidateCollection(c Collection) error {
	seen := make(map[string]bool, len(c.Mutators))
	for i, m := range c.Mutators {
		if m.Variable == "" {
			return errors.NewValidationError("mutator variable cannot be empty", nil).WithContext("index", i)
		}
		if strings.ContainsAny(m.Variable, "=\x00") {
			return errors.NewValidationError("mutator variable contains invalid characters", nil).
				WithContext("variable", m.Variable)
		}
		switch m.Type {
		case MutatorReplace, MutatorAppend, MutatorPrepend:
		default:
			return errors.NewValidationError("unsupported mutator type: "+string(m.Type), nil).
				WithContext("variable", m.Variable)
		}
		key := m.Variable + "\x00" + scopeKey(m.Scope)
		if seen[key] {
			return errors.NewValidationError("duplicate mutator for variable", nil).WithContext("variable", m.Variable)
		}
		seen[key] = true
	}
	return nil
}

// Merged is the immutable merge of every contribution, in contributor registration order.
// It is safe to share between goroutines.
type Merged struct {
	contributions []Contribution
	variables     map[string][]ContributorMutator
}

// Merge groups mutators by variable, keeping contributor registration order.
func Merge(contributions []Contribution) *Merged {
	m := &Merged{
		contributions: make([]Contribution, 0, len(contributions)),
		variables:     make(map[string][]ContributorMutator),
	}
	for _, contribution := range contributions {
		m.contributions = append(m.contributions, cloneContribution(contribution))
		for _, mutator := range contribution.Collection.Mutators {
			m.variables[mutator.Variable] = append(m.variables[mutator.Variable], ContributorMutator{
				ContributorID: contribution.ContributorID,
				Mutator:       cloneMutator(mutator),
			})
		}
	}
	return m
}

// Empty returns a merge of nothing.
func Empty() *Merged {
	return Merge(nil)
}

// VariableMap returns the mutators that apply within scope, per variable.
func (m *Merged) VariableMap(scope *Scope) map[string][]ContributorMutator {
	result := make(map[string][]ContributorMutator)
	if m == nil {
		return result
	}
	for variable, mutators := range m.variables {
		var applicable []ContributorMutator
		for _, mutator := range mutators {
			if mutator.appliesTo(scope) {
				applicable = append(applicable, mutator)
			}
		}
		if len(applicable) > 0 {
			result[variable] = applicable
		}
	}
	return result
}

// Len counts variables affected within scope.
func (m *Merged) Len(scope *Scope) int {
	return len(m.VariableMap(scope))
}

// Contributions returns the contributions this merge was built from.
func (m *Merged) Contributions() []Contribution {
	if m == nil {
		return nil
	}
	result := make([]Contribution, 0, len(m.contributions))
	for _, c := range m.contributions {
		result = append(result, cloneContribution(c))
	}
	return result
}

// ApplyToProcessEnvironment mutates env in place. resolve, if set, expands each value first.
// Within a variable, mutators run in registration order and a replace discards what came before it.
func (m *Merged) ApplyToProcessEnvironment(env map[string]string, scope *Scope, resolve func(string) string) {
	variableMap := m.VariableMap(scope)
	variables := make([]string, 0, len(variableMap))
	for variable := range variableMap {
		variables = append(variables, variable)
	}
	sort.Strings(variables)

	actualNames := actualVariableNames(env)

	for _, variable := range variables {
		mutators := variableMap[variable]
		actual := variable
		if name, ok := actualNames[strings.ToLower(variable)]; ok {
			actual = name
		}

		start := 0
		for i, mutator := range mutators {
			if mutator.Type == MutatorReplace {
				start = i
			}
		}

		for _, mutator := range mutators[start:] {
			value := mutator.Value
			if resolve != nil {
				value = resolve(value)
			}

			current, exists := env[actual]
			switch mutator.Type {
			case MutatorReplace:
				env[actual] = value
			case MutatorAppend:
				if exists && current != "" && mutator.Separator != "" {
					env[actual] = current + mutator.Separator + value
				} else {
					env[actual] = current + value
				}
			case MutatorPrepend:
				if exists && current != "" && mutator.Separator != "" {
					env[actual] = value + mutator.Separator + current
				} else {
					env[actual] = value + current
				}
			}
		}
	}
}

// actualVariableNames maps lower-case names to their spelling in env on case-insensitive platforms.
func actualVariableNames(env map[string]string) map[string]string {
	names := make(map[string]string)
	if runtime.GOOS != "windows" {
		return names
	}
	for name := range env {
		names[strings.ToLower(name)] = name
	}
	return names
}

// Snapshot is the serializable form of a merge, sent to remote hosts.
type Snapshot struct {
	Contributions []Contribution `json:"contributions"`
}

func (m *Merged) Snapshot() *Snapshot {
	return &Snapshot{Contributions: m.Contributions()}
}

// Merged rebuilds the merge a snapshot was taken from.
func (s *Snapshot) Merged() *Merged {
	if s == nil {
		return Empty()
	}
	return Merge(s.Contributions)
}

func cloneMutator(m Mutator) Mutator {
	if m.Scope != nil {
		scope := *m.Scope
		m.Scope = &scope
	}
	return m
}

func cloneContribution(c Contribution) Contribution {
	mutators := make([]Mutator, 0, len(c.Collection.Mutators))
	for _, m := range c.Collection.Mutators {
		mutators = append(mutators, cloneMutator(m))
	}
	c.Collection.Mutators = mutators
	return c
}
