package topic

// Well-known topic builders. Errors are impossible for callers passing
// validated tenant/project scopes, so these return the error for the
// caller to surface rather than panicking.

// SpecialistInvoke addresses a task at one specialist.
func SpecialistInvoke(tenant, project, specialistID string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "specialist", Entity: specialistID, Verb: "invoke"})
}

// SpecialistResult carries a specialist's answers back to the fabric.
func SpecialistResult(tenant, project, specialistID string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "specialist", Entity: specialistID, Verb: "result"})
}

// Decisions is where accepted/retried/escalated verdicts are announced.
func Decisions(tenant, project string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "cmo", Entity: "decisions"})
}

// Escalations carries ESCALATE verdicts with full reasons for humans.
func Escalations(tenant, project string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "cmo", Entity: "escalations"})
}

// RegistryHeartbeats is the observability stream of agent liveness.
func RegistryHeartbeats(tenant, project string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "registry", Entity: "heartbeats"})
}

// MemoryEvents is the durable fact stream consumed by memory builders.
func MemoryEvents(tenant, project string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "memory", Entity: "events"})
}

// ContextRequests is where agents ask context providers for items.
func ContextRequests(tenant, project string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "context", Entity: "requests"})
}

// ContextResults carries provider answers for listeners that want the
// whole stream; one-shot consumers use Reply instead.
func ContextResults(tenant, project string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "context", Entity: "results"})
}

// Reply names the ephemeral reply stream for one request/response
// exchange; id is the requesting message id.
func Reply(tenant, project, id string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "cmo", Entity: "replies", Verb: id})
}

// DecisionsPattern matches decision announcements across projects.
func DecisionsPattern(tenant string) string {
	return Pattern(Components{Tenant: tenant, Domain: "cmo", Entity: "decisions"}, 1)
}
