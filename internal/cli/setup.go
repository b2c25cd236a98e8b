package cli

import (
	"fmt"

	"fieldsync/internal/engine"
	"fieldsync/internal/normalize"
	"fieldsync/internal/queue"
	"fieldsync/internal/repo"
	"fieldsync/internal/store"

	"github.com/spf13/cobra"
)

// app bundles the wired components a command needs. Close releases the
// underlying database handle.
type app struct {
	Store      *store.Store
	Queue      *queue.Queue
	Normalizer *normalize.Normalizer
	Policy     engine.Policy
}

// openApp wires the store, queue, and normalizer from global flags.
// Commands that talk to the remote build their engine on top via newEngine.
func openApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	if opts.Database == "" {
		return nil, NewExitError(ExitCommandError, "--db is required")
	}

	s, err := store.Open(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "opening database", err)
	}

	policy := engine.DefaultPolicy()
	if opts.Policy != "" {
		policy, err = engine.LoadPolicy(opts.Policy)
		if err != nil {
			s.Close()
			return nil, WrapExitError(ExitCommandError, "loading policy", err)
		}
	}

	var qopts []queue.Option
	if policy.EnqueueMinInterval > 0 {
		qopts = append(qopts, queue.WithThrottle(policy.EnqueueMinInterval))
	}
	q, err := queue.New(cmd.Context(), s, qopts...)
	if err != nil {
		s.Close()
		return nil, WrapExitError(ExitFailure, "opening queue", err)
	}

	var nopts []normalize.NormalizerOption
	if opts.RedisURL != "" {
		cache, err := normalize.NewRedisCache(opts.RedisURL, normalize.DefaultCacheTTL)
		if err != nil {
			s.Close()
			return nil, WrapExitError(ExitCommandError, "connecting to redis", err)
		}
		nopts = append(nopts, normalize.WithCache(cache))
	}

	return &app{
		Store:      s,
		Queue:      q,
		Normalizer: normalize.New(s, nopts...),
		Policy:     policy,
	}, nil
}

func (a *app) Close() error {
	return a.Store.Close()
}

// newEngine builds a sync engine against the remote named by the flags.
// An empty remoteURL yields an in-memory remote, useful for local trials
// and for commands that never push (enqueue, status).
func (a *app) newEngine(remoteURL, authToken string) (*engine.Engine, error) {
	var remote repo.Repository
	if remoteURL == "" {
		remote = repo.NewMemoryRepository()
	} else {
		r, err := repo.NewHTTPRepository(repo.HTTPRepositoryOptions{
			BaseURL:   remoteURL,
			AuthToken: authToken,
			Timeout:   a.Policy.RemoteTimeout,
		})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "configuring remote", err)
		}
		remote = r
	}
	return engine.New(a.Store, a.Queue, remote, engine.WithPolicy(a.Policy)), nil
}

// formatter builds the output writer for a command.
func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// requireArgs is a small cobra.Args adapter that returns our exit-coded
// error instead of cobra's default.
func requireArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return NewExitError(ExitCommandError, fmt.Sprintf("expected %s", usage))
		}
		return nil
	}
}
