// Package workspace holds the records the log bridge reads about users,
// workspaces and their running instances.
package workspace

import (
	"net/url"
	"strings"
	"time"
)

// Phase is the lifecycle phase of a workspace instance.
type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
)

// Active reports whether an instance in this phase can still serve logs.
func (p Phase) Active() bool {
	switch p {
	case PhasePending, PhaseRunning:
		return true
	default:
		return false
	}
}

// User is an authenticated principal.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Blocked   bool      `json:"blocked"`
	CreatedAt time.Time `json:"createdAt"`
}

// Workspace is the long-lived record an instance belongs to.
type Workspace struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	ContextURL string    `json:"contextUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ContextHost returns the host of the workspace context URL, or "" when the
// context URL is missing or unparsable.
func (w *Workspace) ContextHost() string {
	u := w.contextURL()
	if u == nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// ContextRepository returns the "owner/name" repository the workspace was
// started from, or "" when the context URL does not name one.
func (w *Workspace) ContextRepository() string {
	u := w.contextURL()
	if u == nil {
		return ""
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) < 2 || segs[0] == "" || segs[1] == "" {
		return ""
	}
	return segs[0] + "/" + strings.TrimSuffix(segs[1], ".git")
}

func (w *Workspace) contextURL() *url.URL {
	if w == nil {
		return nil
	}
	raw := strings.TrimSpace(w.ContextURL)
	if raw == "" {
		return nil
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil
	}
	return u
}

// Instance is one running execution of a workspace.
type Instance struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	IDEURL      string    `json:"ideUrl"`
	OwnerToken  string    `json:"-"`
	Phase       Phase     `json:"phase"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Ref returns the read-only view the log bridge operates on.
func (i *Instance) Ref() InstanceRef {
	if i == nil {
		return InstanceRef{}
	}
	return InstanceRef{
		InstanceID: i.ID,
		IDEURL:     i.IDEURL,
		OwnerToken: i.OwnerToken,
	}
}

// InstanceRef identifies one running instance together with the address of
// its in-workspace agent and the owner token used to authenticate to it.
type InstanceRef struct {
	InstanceID string
	IDEURL     string
	OwnerToken string
}

// HasOwnerToken reports whether the instance has produced an owner token.
func (r InstanceRef) HasOwnerToken() bool {
	return strings.TrimSpace(r.OwnerToken) != ""
}

// TaskDescriptor pairs a background task with the terminal that carries its output.
type TaskDescriptor struct {
	TaskID     string `json:"taskId"`
	TerminalID string `json:"terminalId"`
}
