package auth

import (
	"context"
	"strings"

	"github.com/odvcencio/headlesslogs/pkg/workspace"
)

// ResourceKind names what a guard is asked about.
type ResourceKind string

const KindWorkspaceLog ResourceKind = "workspaceLog"

// Operation is the access being requested.
type Operation string

const OperationGet Operation = "get"

// Resource is a guarded subject.
type Resource struct {
	Kind    ResourceKind
	Subject *workspace.Workspace
}

// ResourceAccessGuard decides whether an operation on a resource is allowed.
type ResourceAccessGuard interface {
	CanAccess(ctx context.Context, resource Resource, op Operation) (bool, error)
}

// OwnerResourceGuard allows the workspace owner.
type OwnerResourceGuard struct {
	UserID string
}

func (g OwnerResourceGuard) CanAccess(_ context.Context, resource Resource, _ Operation) (bool, error) {
	if resource.Subject == nil || g.UserID == "" {
		return false, nil
	}
	return resource.Subject.OwnerID == g.UserID, nil
}

// HostContext answers capability questions for one source-control host.
type HostContext interface {
	CanAccessHeadlessLogs(ctx context.Context, user *workspace.User, repository string) (bool, error)
}

// HostContextProvider looks up the host context for a host name. Get returns
// nil for hosts the platform does not know.
type HostContextProvider interface {
	Get(host string) HostContext
}

// WorkspaceLogAccessGuard allows users who hold the headless-log capability
// on the repository the workspace was started from.
type WorkspaceLogAccessGuard struct {
	User  *workspace.User
	Hosts HostContextProvider
}

func (g WorkspaceLogAccessGuard) CanAccess(ctx context.Context, resource Resource, op Operation) (bool, error) {
	if resource.Kind != KindWorkspaceLog || op != OperationGet {
		return false, nil
	}
	if g.User == nil || g.Hosts == nil || resource.Subject == nil {
		return false, nil
	}
	hostContext := g.Hosts.Get(resource.Subject.ContextHost())
	if hostContext == nil {
		return false, nil
	}
	repository := resource.Subject.ContextRepository()
	if repository == "" {
		return false, nil
	}
	return hostContext.CanAccessHeadlessLogs(ctx, g.User, repository)
}

// CompositeResourceAccessGuard allows access when any of its guards does. A
// guard error is returned only when no guard allowed access.
type CompositeResourceAccessGuard []ResourceAccessGuard

func (c CompositeResourceAccessGuard) CanAccess(ctx context.Context, resource Resource, op Operation) (bool, error) {
	var firstErr error
	for _, guard := range c {
		ok, err := guard.CanAccess(ctx, resource, op)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}

// GrantStore records delegated log access. *storage.Store implements it.
type GrantStore interface {
	HasLogAccess(userID, host, repository string) (bool, error)
}

type grantHostContext struct {
	host   string
	grants GrantStore
}

func (h grantHostContext) CanAccessHeadlessLogs(_ context.Context, user *workspace.User, repository string) (bool, error) {
	if user == nil || user.Blocked {
		return false, nil
	}
	return h.grants.HasLogAccess(user.ID, h.host, repository)
}

type hostContexts map[string]HostContext

func (m hostContexts) Get(host string) HostContext {
	return m[strings.ToLower(strings.TrimSpace(host))]
}

// NewHostContextProvider serves a grant-backed host context for each of the
// configured hosts.
func NewHostContextProvider(hosts []string, grants GrantStore) HostContextProvider {
	m := make(hostContexts, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || grants == nil {
			continue
		}
		m[h] = grantHostContext{host: h, grants: grants}
	}
	return m
}

// WorkspaceLogGuard is the guard the headless log endpoints apply for user.
func WorkspaceLogGuard(user *workspace.User, hosts HostContextProvider) ResourceAccessGuard {
	userID := ""
	if user != nil {
		userID = user.ID
	}
	return CompositeResourceAccessGuard{
		OwnerResourceGuard{UserID: userID},
		WorkspaceLogAccessGuard{User: user, Hosts: hosts},
	}
}
