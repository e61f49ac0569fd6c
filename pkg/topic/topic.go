// Package topic builds, parses, and matches the dotted topic names the
// fabric routes by: qa.<tenant>.<project>.<domain>[.<entity>[.<verb>]].
package topic

import (
	"regexp"
	"strings"

	"github.com/testfabric/cmo/pkg/fault"
)

// Prefix is the fixed first segment of every topic.
const Prefix = "qa"

// DLQSuffix terminates dead-letter streams.
const DLQSuffix = ".dlq"

// Wildcard matches exactly one segment in a pattern.
const Wildcard = "*"

var segmentPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Components are the named parts of a topic. Tenant, Project and Domain
// are required; Verb requires Entity because position carries meaning.
type Components struct {
	Tenant  string `json:"tenant"`
	Project string `json:"project"`
	Domain  string `json:"domain"`
	Entity  string `json:"entity,omitempty"`
	Verb    string `json:"verb,omitempty"`
}

// Build renders the components as a topic string.
func Build(c Components) (string, error) {
	if err := validateSegment("tenant", c.Tenant); err != nil {
		return "", err
	}
	if err := validateSegment("project", c.Project); err != nil {
		return "", err
	}
	if err := validateSegment("domain", c.Domain); err != nil {
		return "", err
	}
	parts := []string{Prefix, c.Tenant, c.Project, c.Domain}
	if c.Entity != "" {
		if err := validateSegment("entity", c.Entity); err != nil {
			return "", err
		}
		parts = append(parts, c.Entity)
		if c.Verb != "" {
			if err := validateSegment("verb", c.Verb); err != nil {
				return "", err
			}
			parts = append(parts, c.Verb)
		}
	} else if c.Verb != "" {
		return "", fault.New(fault.KindValidation, fault.CodeInvalidEnvelope,
			"topic verb %q requires an entity", c.Verb)
	}
	return strings.Join(parts, "."), nil
}

// MustBuild is Build for statically known components; it panics on
// invalid input and is meant for package-level well-known topics.
func MustBuild(c Components) string {
	t, err := Build(c)
	if err != nil {
		panic(err)
	}
	return t
}

// Parse is the inverse of Build. DLQ topics parse to their base
// components; use IsDLQ to distinguish them.
func Parse(topic string) (Components, error) {
	base := strings.TrimSuffix(topic, DLQSuffix)
	parts := strings.Split(base, ".")
	if len(parts) < 4 || len(parts) > 6 {
		return Components{}, fault.New(fault.KindValidation, fault.CodeInvalidEnvelope,
			"topic %q must have 4 to 6 segments, got %d", topic, len(parts))
	}
	if parts[0] != Prefix {
		return Components{}, fault.New(fault.KindValidation, fault.CodeInvalidEnvelope,
			"topic %q must start with %q", topic, Prefix)
	}
	c := Components{Tenant: parts[1], Project: parts[2], Domain: parts[3]}
	if len(parts) > 4 {
		c.Entity = parts[4]
	}
	if len(parts) > 5 {
		c.Verb = parts[5]
	}
	names := []string{"", "tenant", "project", "domain", "entity", "verb"}
	for i := 1; i < len(parts); i++ {
		if err := validateSegment(names[i], parts[i]); err != nil {
			return Components{}, err
		}
	}
	return c, nil
}

// Matches reports whether topic matches pattern. The wildcard * stands
// for exactly one segment; segment counts must agree.
func Matches(topic, pattern string) bool {
	if topic == pattern {
		return true
	}
	ts := strings.Split(topic, ".")
	ps := strings.Split(pattern, ".")
	if len(ts) != len(ps) {
		return false
	}
	for i := range ts {
		if ps[i] == Wildcard {
			continue
		}
		if ts[i] != ps[i] {
			return false
		}
	}
	return true
}

// DLQ returns the dead-letter stream for a topic.
func DLQ(topic string) string { return topic + DLQSuffix }

// IsDLQ reports whether the topic names a dead-letter stream.
func IsDLQ(topic string) bool { return strings.HasSuffix(topic, DLQSuffix) }

// PartitionKey groups a trace's messages onto one broker partition so
// per-trace order is preserved. Without a trace the key still pins the
// tenant/project pair.
func PartitionKey(tenant, project, traceID string) string {
	if traceID == "" {
		return tenant + ":" + project
	}
	return tenant + ":" + project + ":" + traceID
}

// EntityFor maps an agent id to a topic entity segment. Namespace
// prefixes are dropped: "agent:summarizer-a" becomes "summarizer-a".
func EntityFor(agentID string) string {
	if i := strings.LastIndexByte(agentID, ':'); i >= 0 {
		agentID = agentID[i+1:]
	}
	return strings.ToLower(agentID)
}

func validateSegment(name, value string) error {
	if value == "" {
		return fault.New(fault.KindValidation, fault.CodeInvalidEnvelope,
			"topic %s is required", name)
	}
	if value == Wildcard {
		return fault.New(fault.KindValidation, fault.CodeInvalidEnvelope,
			"topic %s must not be the wildcard; wildcards are for patterns only", name)
	}
	if !segmentPattern.MatchString(value) {
		return fault.New(fault.KindValidation, fault.CodeInvalidEnvelope,
			"topic %s %q must match [a-z0-9_-]+", name, value)
	}
	return nil
}

// Pattern renders components where empty fields become wildcards, for
// subscription patterns such as qa.wesign.*.cmo.decisions. Width pins
// the number of trailing segments (0 drops entity and verb).
func Pattern(c Components, width int) string {
	seg := func(s string) string {
		if s == "" {
			return Wildcard
		}
		return s
	}
	parts := []string{Prefix, seg(c.Tenant), seg(c.Project), seg(c.Domain)}
	if width >= 1 {
		parts = append(parts, seg(c.Entity))
	}
	if width >= 2 {
		parts = append(parts, seg(c.Verb))
	}
	return strings.Join(parts, ".")
}
