package envcollection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contribution(id string, mutators ...Mutator) Contribution {
	return Contribution{ContributorID: id, Collection: Collection{Mutators: mutators}}
}

func TestApply_RegistrationOrder(t *testing.T) {
	tests := []struct {
		name          string
		base          map[string]string
		contributions []Contribution
		expected      map[string]string
		description   string
	}{
		{
			name: "append_in_order",
			base: map[string]string{"PATH": "/usr/bin"},
			contributions: []Contribution{
				contribution("a", Mutator{Variable: "PATH", Value: "/a", Type: MutatorAppend, Separator: ":"}),
				contribution("b", Mutator{Variable: "PATH", Value: "/b", Type: MutatorAppend, Separator: ":"}),
			},
			expected:    map[string]string{"PATH": "/usr/bin:/a:/b"},
			description: "Earlier contributors apply first",
		},
		{
			name: "prepend_in_order",
			base: map[string]string{"PATH": "/usr/bin"},
			contributions: []Contribution{
				contribution("a", Mutator{Variable: "PATH", Value: "/a", Type: MutatorPrepend, Separator: ":"}),
				contribution("b", Mutator{Variable: "PATH", Value: "/b", Type: MutatorPrepend, Separator: ":"}),
			},
			expected:    map[string]string{"PATH": "/b:/a:/usr/bin"},
			description: "Later prepends end up in front",
		},
		{
			name: "replace_discards_earlier",
			base: map[string]string{"EDITOR": "vi"},
			contributions: []Contribution{
				contribution("a", Mutator{Variable: "EDITOR", Value: "-x", Type: MutatorAppend}),
				contribution("b", Mutator{Variable: "EDITOR", Value: "nano", Type: MutatorReplace}),
				contribution("c", Mutator{Variable: "EDITOR", Value: " -w", Type: MutatorAppend}),
			},
			expected:    map[string]string{"EDITOR": "nano -w"},
			description: "A replace overwrites everything accumulated before it",
		},
		{
			name: "separator_skipped_on_empty",
			base: map[string]string{},
			contributions: []Contribution{
				contribution("a", Mutator{Variable: "NEW", Value: "x", Type: MutatorAppend, Separator: ":"}),
			},
			expected:    map[string]string{"NEW": "x"},
			description: "No leading separator when the variable did not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := make(map[string]string)
			for k, v := range tt.base {
				env[k] = v
			}
			Merge(tt.contributions).ApplyToProcessEnvironment(env, nil, nil)
			assert.Equal(t, tt.expected, env, tt.description)
		})
	}
}

func TestApply_ScopeAndResolver(t *testing.T) {
	merged := Merge([]Contribution{
		contribution("a",
			Mutator{Variable: "GLOBAL", Value: "${home}", Type: MutatorReplace},
			Mutator{Variable: "SCOPED", Value: "1", Type: MutatorReplace, Scope: &Scope{WorkspaceFolder: "/ws"}},
		),
	})
	resolve := func(v string) string {
		if v == "${home}" {
			return "/home/u"
		}
		return v
	}

	outside := map[string]string{}
	merged.ApplyToProcessEnvironment(outside, &Scope{WorkspaceFolder: "/other"}, resolve)
	assert.Equal(t, map[string]string{"GLOBAL": "/home/u"}, outside)

	inside := map[string]string{}
	merged.ApplyToProcessEnvironment(inside, &Scope{WorkspaceFolder: "/ws"}, resolve)
	assert.Equal(t, map[string]string{"GLOBAL": "/home/u", "SCOPED": "1"}, inside)
}

func TestDiff_Reflexive(t *testing.T) {
	contributions := []Contribution{
		contribution("a", Mutator{Variable: "PATH", Value: "/a", Type: MutatorAppend}),
		contribution("b", Mutator{Variable: "X", Value: "1", Type: MutatorReplace}),
	}
	assert.Nil(t, DiffCollections(Merge(contributions), Merge(contributions), nil))
	assert.Nil(t, Empty().Diff(Empty(), nil))
}

func TestDiff_ReflexiveWithScopedMutators(t *testing.T) {
	// One contributor, one global and one scoped mutator on the same variable
	contributions := []Contribution{
		contribution("ext",
			Mutator{Variable: "PATH", Value: "/a", Type: MutatorAppend},
			Mutator{Variable: "PATH", Value: "/b", Type: MutatorAppend, Scope: &Scope{WorkspaceFolder: "/ws"}},
		),
	}
	require.NoError(t, ValidateCollection(contributions[0].Collection))

	for _, scope := range []*Scope{nil, {WorkspaceFolder: "/ws"}, {WorkspaceFolder: "/other"}} {
		assert.Nil(t, DiffCollections(Merge(contributions), Merge(contributions), scope))
	}
}

func TestDiff_ScopedMutatorChanged(t *testing.T) {
	before := Merge([]Contribution{
		contribution("ext",
			Mutator{Variable: "PATH", Value: "/a", Type: MutatorAppend},
			Mutator{Variable: "PATH", Value: "/b", Type: MutatorAppend, Scope: &Scope{WorkspaceFolder: "/ws"}},
		),
	})
	after := Merge([]Contribution{
		contribution("ext",
			Mutator{Variable: "PATH", Value: "/a", Type: MutatorAppend},
			Mutator{Variable: "PATH", Value: "/b2", Type: MutatorAppend, Scope: &Scope{WorkspaceFolder: "/ws"}},
		),
	})

	diff := before.Diff(after, &Scope{WorkspaceFolder: "/ws"})
	require.NotNil(t, diff)
	require.Len(t, diff.Changed["PATH"], 1)
	assert.Equal(t, "/b2", diff.Changed["PATH"][0].Value)
	assert.Empty(t, diff.Added)
	assert.Empty(t, diff.Removed)

	assert.Nil(t, before.Diff(after, nil), "the scoped change is invisible globally")
}

func TestDiff_Structural(t *testing.T) {
	before := Merge([]Contribution{
		contribution("a", Mutator{Variable: "PATH", Value: "/a", Type: MutatorAppend}),
		contribution("b", Mutator{Variable: "GONE", Value: "1", Type: MutatorReplace}),
	})
	after := Merge([]Contribution{
		contribution("a", Mutator{Variable: "PATH", Value: "/a2", Type: MutatorAppend}),
		contribution("c", Mutator{Variable: "NEW", Value: "2", Type: MutatorReplace}),
	})

	diff := before.Diff(after, nil)
	require.NotNil(t, diff)

	require.Contains(t, diff.Added, "NEW")
	assert.Equal(t, "c", diff.Added["NEW"][0].ContributorID)
	require.Contains(t, diff.Removed, "GONE")
	assert.Equal(t, "b", diff.Removed["GONE"][0].ContributorID)
	require.Contains(t, diff.Changed, "PATH")
	assert.Equal(t, "/a2", diff.Changed["PATH"][0].Value, "changed entries carry the new value")
}

func TestDiff_ScopedChangeInvisibleOutsideScope(t *testing.T) {
	before := Empty()
	after := Merge([]Contribution{
		contribution("a", Mutator{Variable: "X", Value: "1", Type: MutatorReplace, Scope: &Scope{WorkspaceFolder: "/ws"}}),
	})

	assert.Nil(t, before.Diff(after, &Scope{WorkspaceFolder: "/elsewhere"}))
	assert.NotNil(t, before.Diff(after, &Scope{WorkspaceFolder: "/ws"}))
}

func TestSnapshot_RoundTrip(t *testing.T) {
	merged := Merge([]Contribution{
		contribution("a", Mutator{Variable: "PATH", Value: "/a", Type: MutatorAppend, Separator: ":"}),
	})
	assert.Nil(t, merged.Diff(merged.Snapshot().Merged(), nil))
}

func TestValidateCollection(t *testing.T) {
	tests := []struct {
		name        string
		collection  Collection
		expectError bool
	}{
		{"valid", Collection{Mutators: []Mutator{{Variable: "A", Type: MutatorReplace}}}, false},
		{"empty_variable", Collection{Mutators: []Mutator{{Type: MutatorReplace}}}, true},
		{"bad_name", Collection{Mutators: []Mutator{{Variable: "A=B", Type: MutatorReplace}}}, true},
		{"bad_type", Collection{Mutators: []Mutator{{Variable: "A", Type: "delete"}}}, true},
		{"duplicate", Collection{Mutators: []Mutator{{Variable: "A", Type: MutatorReplace}, {Variable: "A", Type: MutatorAppend}}}, true},
		{"same_variable_other_scope", Collection{Mutators: []Mutator{
			{Variable: "A", Type: MutatorReplace},
			{Variable: "A", Type: MutatorAppend, Scope: &Scope{WorkspaceFolder: "/ws"}},
		}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCollection(tt.collection)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
