package core

// AuthorityLevel ranks a regulatory source's legal weight.
type AuthorityLevel string

const (
	AuthorityLaw        AuthorityLevel = "LAW"
	AuthorityRegulation AuthorityLevel = "REGULATION"
	AuthorityGuidance   AuthorityLevel = "GUIDANCE"
	AuthorityPractice   AuthorityLevel = "PRACTICE"
)

// UnknownAuthorityRank is assigned to levels outside the hierarchy.
const UnknownAuthorityRank = 99

// Rank returns the level's position in the hierarchy; lower is stronger.
func (a AuthorityLevel) Rank() int {
	switch a {
	case AuthorityLaw:
		return 1
	case AuthorityRegulation:
		return 2
	case AuthorityGuidance:
		return 3
	case AuthorityPractice:
		return 4
	}
	return UnknownAuthorityRank
}

// RuleCandidate is a rule proposed by the compose stage.
type RuleCandidate struct {
	ID             string
	ConceptSlug    string
	Value          string
	ValueType      string
	AuthorityLevel AuthorityLevel
	Confidence     float64
	SourcePointers []string
}
