//go:build property
// +build property

// Package topic_test contains property-based tests for topic
// build/parse round-trips and wildcard matching.
package topic_test

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/testfabric/cmo/pkg/topic"
)

// genSegment produces legal topic segments: [a-z0-9_-]+.
func genSegment() gopter.Gen {
	return gen.RegexMatch(`[a-z0-9][a-z0-9_-]{0,15}`)
}

// TestParseIsInverseOfBuild verifies parse(build(c)) == c.
func TestParseIsInverseOfBuild(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("parse inverts build", prop.ForAll(
		func(tenant, project, domain, entity, verb string) bool {
			c := topic.Components{Tenant: tenant, Project: project, Domain: domain, Entity: entity, Verb: verb}
			built, err := topic.Build(c)
			if err != nil {
				return true // Invalid combos are rejected, not round-tripped
			}
			back, err := topic.Parse(built)
			if err != nil {
				return false
			}
			return back == c
		},
		genSegment(), genSegment(), genSegment(), genSegment(), genSegment(),
	))

	properties.TestingRun(t)
}

// TestMatchesReflexiveAndWildcardMonotone verifies that every built
// topic matches itself, and replacing any segment with * keeps it
// matching.
func TestMatchesReflexiveAndWildcardMonotone(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("reflexive and monotone under wildcards", prop.ForAll(
		func(tenant, project, domain, entity string) bool {
			built, err := topic.Build(topic.Components{Tenant: tenant, Project: project, Domain: domain, Entity: entity})
			if err != nil {
				return true
			}
			if !topic.Matches(built, built) {
				return false
			}
			segs := strings.Split(built, ".")
			for i := 1; i < len(segs); i++ {
				widened := make([]string, len(segs))
				copy(widened, segs)
				widened[i] = topic.Wildcard
				if !topic.Matches(built, strings.Join(widened, ".")) {
					return false
				}
			}
			return true
		},
		genSegment(), genSegment(), genSegment(), genSegment(),
	))

	properties.TestingRun(t)
}
