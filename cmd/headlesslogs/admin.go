package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/headlesslogs/pkg/auth"
	"github.com/odvcencio/headlesslogs/pkg/config"
	"github.com/odvcencio/headlesslogs/pkg/storage"
	"github.com/odvcencio/headlesslogs/pkg/workspace"
)

const adminUsage = "usage: headlesslogs admin <user-add|user-block|workspace-add|instance-set|grant|session> [flags]"

func runAdminCommand(args []string) error {
	if len(args) == 0 {
		return withExitCode(errors.New(adminUsage), exitUsage)
	}
	switch args[0] {
	case "user-add":
		return runAdminUserAdd(args[1:])
	case "user-block":
		return runAdminUserBlock(args[1:])
	case "workspace-add":
		return runAdminWorkspaceAdd(args[1:])
	case "instance-set":
		return runAdminInstanceSet(args[1:])
	case "grant":
		return runAdminGrant(args[1:])
	case "session":
		return runAdminSession(args[1:])
	default:
		return withExitCode(fmt.Errorf("unknown admin command %q\n%s", args[0], adminUsage), exitUsage)
	}
}

// adminFlags locate the database every admin command writes to.
type adminFlags struct {
	configPath *string
	dbPath     *string
}

func newAdminFlagSet(name string) (*flag.FlagSet, adminFlags) {
	fs := flag.NewFlagSet("admin "+name, flag.ContinueOnError)
	fs.SetOutput(cliStderr)
	return fs, adminFlags{
		configPath: fs.String("config", "", "path to a config file"),
		dbPath:     fs.String("db", "", "database path (overrides storage.path)"),
	}
}

func (f adminFlags) config() (*config.Config, error) {
	cfg, err := serveLoadConfigFn(*f.configPath)
	if err != nil {
		return nil, withExitCode(err, exitUsage)
	}
	if v := strings.TrimSpace(*f.dbPath); v != "" {
		cfg.Storage.Path = v
	}
	return cfg, nil
}

func (f adminFlags) open() (*storage.Store, *config.Config, error) {
	cfg, err := f.config()
	if err != nil {
		return nil, nil, err
	}
	store, err := serveInitStoreFn(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return store, cfg, nil
}

func requireFlags(fs *flag.FlagSet, values map[string]string) error {
	var missing []string
	fs.VisitAll(func(f *flag.Flag) {
		if v, ok := values[f.Name]; ok && strings.TrimSpace(v) == "" {
			missing = append(missing, "-"+f.Name)
		}
	})
	if len(missing) > 0 {
		return withExitCode(fmt.Errorf("usage: headlesslogs %s: missing %s", fs.Name(), strings.Join(missing, ", ")), exitUsage)
	}
	return nil
}

func runAdminUserAdd(args []string) error {
	fs, af := newAdminFlagSet("user-add")
	id := fs.String("id", "", "user id")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if err := requireFlags(fs, map[string]string{"id": *id}); err != nil {
		return err
	}
	store, _, err := af.open()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateUser(&workspace.User{ID: strings.TrimSpace(*id), Name: *name}); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("user %s already exists", *id)
		}
		return err
	}
	fmt.Fprintf(cliStdout, "created user %s\n", strings.TrimSpace(*id))
	return nil
}

func runAdminUserBlock(args []string) error {
	fs, af := newAdminFlagSet("user-block")
	id := fs.String("id", "", "user id")
	unblock := fs.Bool("unblock", false, "lift the block instead")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if err := requireFlags(fs, map[string]string{"id": *id}); err != nil {
		return err
	}
	store, _, err := af.open()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetUserBlocked(strings.TrimSpace(*id), !*unblock); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("user %s not found", *id)
		}
		return err
	}
	state := "blocked"
	if *unblock {
		state = "unblocked"
	}
	fmt.Fprintf(cliStdout, "%s user %s\n", state, strings.TrimSpace(*id))
	return nil
}

func runAdminWorkspaceAdd(args []string) error {
	fs, af := newAdminFlagSet("workspace-add")
	id := fs.String("id", "", "workspace id")
	owner := fs.String("owner", "", "owning user id")
	contextURL := fs.String("context-url", "", "repository context URL, e.g. https://github.com/acme/api")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if err := requireFlags(fs, map[string]string{"id": *id, "owner": *owner}); err != nil {
		return err
	}
	store, _, err := af.open()
	if err != nil {
		return err
	}
	defer store.Close()

	ws := &workspace.Workspace{
		ID:         strings.TrimSpace(*id),
		OwnerID:    strings.TrimSpace(*owner),
		ContextURL: strings.TrimSpace(*contextURL),
	}
	if err := store.CreateWorkspace(ws); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("workspace %s already exists", ws.ID)
		}
		return err
	}
	fmt.Fprintf(cliStdout, "created workspace %s\n", ws.ID)
	return nil
}

func runAdminInstanceSet(args []string) error {
	fs, af := newAdminFlagSet("instance-set")
	id := fs.String("id", "", "instance id")
	workspaceID := fs.String("workspace", "", "workspace id")
	ideURL := fs.String("ide-url", "", "IDE URL of the running instance")
	ownerToken := fs.String("owner-token", "", "instance owner token")
	phase := fs.String("phase", string(workspace.PhaseRunning), "pending, running, stopping or stopped")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if err := requireFlags(fs, map[string]string{"id": *id, "workspace": *workspaceID}); err != nil {
		return err
	}
	p, err := parsePhase(*phase)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	store, _, err := af.open()
	if err != nil {
		return err
	}
	defer store.Close()

	inst := &workspace.Instance{
		ID:          strings.TrimSpace(*id),
		WorkspaceID: strings.TrimSpace(*workspaceID),
		IDEURL:      strings.TrimSpace(*ideURL),
		OwnerToken:  *ownerToken,
		Phase:       p,
	}
	if err := store.UpsertInstance(inst); err != nil {
		return err
	}
	fmt.Fprintf(cliStdout, "instance %s is %s\n", inst.ID, inst.Phase)
	return nil
}

func parsePhase(v string) (workspace.Phase, error) {
	switch p := workspace.Phase(strings.ToLower(strings.TrimSpace(v))); p {
	case workspace.PhasePending, workspace.PhaseRunning, workspace.PhaseStopping, workspace.PhaseStopped:
		return p, nil
	default:
		return "", fmt.Errorf("unknown phase %q", v)
	}
}

func runAdminGrant(args []string) error {
	fs, af := newAdminFlagSet("grant")
	user := fs.String("user", "", "user id")
	host := fs.String("host", "", "source-control host, e.g. github.com")
	repository := fs.String("repository", "", "owner/name on that host")
	revoke := fs.Bool("revoke", false, "remove the grant instead")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if err := requireFlags(fs, map[string]string{"user": *user, "host": *host, "repository": *repository}); err != nil {
		return err
	}
	store, _, err := af.open()
	if err != nil {
		return err
	}
	defer store.Close()

	if *revoke {
		if err := store.RevokeLogAccess(*user, *host, *repository); err != nil {
			return err
		}
		fmt.Fprintf(cliStdout, "revoked %s on %s/%s\n", *user, *host, *repository)
		return nil
	}
	if err := store.GrantLogAccess(*user, *host, *repository); err != nil {
		return err
	}
	fmt.Fprintf(cliStdout, "granted %s on %s/%s\n", *user, *host, *repository)
	return nil
}

// runAdminSession issues a bearer token for a user, for scripts and tests
// that cannot run the browser or CLI login.
func runAdminSession(args []string) error {
	fs, af := newAdminFlagSet("session")
	user := fs.String("user", "", "user id")
	scope := fs.String("scope", "admin", "session scope")
	ttl := fs.Duration("ttl", 0, "session lifetime (default auth.session_ttl)")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if err := requireFlags(fs, map[string]string{"user": *user}); err != nil {
		return err
	}
	store, cfg, err := af.open()
	if err != nil {
		return err
	}
	defer store.Close()

	if strings.TrimSpace(cfg.Auth.Secret) == "" {
		return withExitCode(errors.New("auth.secret is required (set HEADLESSLOGS_AUTH_SECRET)"), exitUsage)
	}
	u, err := store.GetUser(strings.TrimSpace(*user))
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("user %s not found", *user)
	}
	if u.Blocked {
		return fmt.Errorf("user %s is blocked", u.ID)
	}

	sessionTTL := cfg.Auth.SessionTTL
	if *ttl > 0 {
		sessionTTL = *ttl
	}
	authn := auth.NewAuthenticator(auth.NewTokenManager(cfg.Auth.Secret, cfg.Auth.Issuer), store, sessionTTL)
	token, expires, err := authn.IssueSession(u.ID, *scope)
	if err != nil {
		return err
	}
	fmt.Fprintln(cliStdout, token)
	fmt.Fprintf(cliStderr, "expires %s\n", expires.UTC().Format(time.RFC3339))
	return nil
}
