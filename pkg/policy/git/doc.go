// Package git serves the policy document from a git repository.
//
// Repository clones the tracked branch and implements manager.Source, so
// a Store can load the document straight from the working tree. The
// origin recorded for each load names the commit it came from.
//
//	repo, err := git.NewRepository(cfg.Policy.Git)
//	if err != nil {
//		return err
//	}
//	if err := repo.Clone(ctx); err != nil {
//		return err
//	}
//	store := manager.NewStore(repo)
//	store.Reload(ctx)
//
// Poller pulls on an interval and reloads the store when a commit
// changes the document. A commit whose document fails to load is rolled
// back in the working tree and the previous document is reloaded.
//
// Authentication supports HTTPS tokens, SSH keys, and anonymous access.
package git
