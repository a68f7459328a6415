package policy

import (
	"github.com/ent0n29/fieldwatch/internal/access"
	"github.com/ent0n29/fieldwatch/internal/monitoring"
)

type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// CanSupervise reports whether a role may listen to field agents.
func CanSupervise(role access.Role) bool {
	switch role {
	case access.RoleAdmin, access.RoleDirecteur, access.RoleManager:
		return true
	default:
		return false
	}
}

// PublisherKind maps a caller role onto the agent kind it publishes as.
func PublisherKind(role access.Role) (monitoring.TargetKind, bool) {
	switch role {
	case access.RoleCommercial:
		return monitoring.TargetCommercial, true
	case access.RoleManager:
		return monitoring.TargetManager, true
	default:
		return "", false
	}
}

func DecideSupervise(caller access.Caller) Decision {
	if !CanSupervise(caller.Role) {
		return deny("role " + string(caller.Role) + " cannot supervise field agents")
	}
	return allow()
}

// PublisherGrant is the agent identity a publisher credential is issued for.
type PublisherGrant struct {
	AgentID int64
	Kind    monitoring.TargetKind
}

// DecidePublisher derives the publishing identity from the caller. A request
// naming a different agent id or kind is refused; zero values mean "myself".
func DecidePublisher(caller access.Caller, requestedID int64, requestedKind string) (PublisherGrant, Decision) {
	kind, ok := PublisherKind(caller.Role)
	if !ok {
		return PublisherGrant{}, deny("role " + string(caller.Role) + " does not publish audio")
	}
	if requestedID != 0 && requestedID != caller.ID {
		return PublisherGrant{}, deny("agents may only publish as themselves")
	}
	if requestedKind != "" {
		parsed, err := monitoring.ParseTargetKind(requestedKind)
		if err != nil || parsed != kind {
			return PublisherGrant{}, deny("agent kind does not match caller role")
		}
	}
	return PublisherGrant{AgentID: caller.ID, Kind: kind}, allow()
}

// HistoryScope returns the supervisor filter a caller may query. Admins and
// directeurs see every supervisor; managers only see their own sessions.
func HistoryScope(caller access.Caller, requested int64) (int64, Decision) {
	switch caller.Role {
	case access.RoleAdmin, access.RoleDirecteur:
		return requested, allow()
	case access.RoleManager:
		if requested != 0 && requested != caller.ID {
			return 0, deny("managers may only read their own monitoring history")
		}
		return caller.ID, allow()
	default:
		return 0, deny("role " + string(caller.Role) + " cannot read monitoring history")
	}
}
