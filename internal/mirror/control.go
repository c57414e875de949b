package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/reposnap/internal/repodb"
	"github.com/mirrorctl/reposnap/internal/retry"
	"github.com/mirrorctl/reposnap/internal/snapshot"
	"github.com/mirrorctl/reposnap/internal/storage"
)

// Options adjust a single Run.
type Options struct {
	// Shard overrides the configured shard when not empty.
	Shard string
	Quiet bool
}

// lock takes the flock on the lock file of dir.  The returned function
// releases it.
func lock(dir string) (func(), error) {
	lockFile := filepath.Join(dir, lockFilename)
	file, err := os.OpenFile(lockFile, os.O_RDWR|os.O_CREATE, 0644) // #nosec G302,G304 - fixed name under the configured dir
	if err != nil {
		return nil, errors.Wrap(err, "lock")
	}
	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		file.Close()
		return nil, errors.Wrap(err, "another run holds the lock")
	}
	return func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}, nil
}

// OpenStore opens the blob store configured in config.
func OpenStore(config *Config) (storage.Store, error) {
	client, err := clonedTransport(&config.TLS)
	if err != nil {
		return nil, err
	}
	return storage.New(&config.Storage, client)
}

// Run takes a snapshot of repos and publishes it as the latest one in the
// output tree.  It returns the new snapshot directory.
//
// The first thing to do is to acquire flock on the lock file.
//
// repos is a list of repo names defined in the configuration file (or
// keys in config.Repos).  If repos is an empty list, all repos are
// snapshotted.
func Run(ctx context.Context, config *Config, repos []string, opts Options) (string, error) {
	if err := config.Check(); err != nil {
		return "", err
	}
	names, err := config.RepoNames(repos)
	if err != nil {
		return "", err
	}
	shardSpec := config.Shard
	if opts.Shard != "" {
		shardSpec = opts.Shard
	}
	shard, err := ParseShard(shardSpec)
	if err != nil {
		return "", err
	}

	tree, err := NewOutputTree(config.Dir)
	if err != nil {
		return "", err
	}
	unlock, err := lock(tree.Dir())
	if err != nil {
		return "", err
	}
	defer unlock()

	db, err := repodb.Open(ctx, config.DB, repodb.Options{
		ClockSkew:   config.ClockSkew,
		RetryDelays: retry.Exponential(dbRetries, config.RetryScale),
	})
	if err != nil {
		return "", err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Warn("failed to close dedup index", "error", err)
		}
	}()

	store, err := OpenStore(config)
	if err != nil {
		return "", err
	}
	client, err := NewHTTPClient(config.MaxConns, &config.TLS)
	if err != nil {
		return "", err
	}

	universes := make(map[string]bool)
	for _, name := range names {
		universes[config.Repos[name].Universe] = true
	}
	var universeList []string
	for u := range universes {
		universeList = append(universeList, u)
	}
	sort.Strings(universeList)
	detector, err := NewDetector(db, universeList, config.Remediated)
	if err != nil {
		return "", err
	}

	p := &Pipeline{
		Client:           client,
		Store:            store,
		Index:            db,
		Detector:         detector,
		Shard:            shard,
		MaxConns:         config.MaxConns,
		MetadataAttempts: config.MetadataAttempts,
		RetryScale:       config.RetryScale,
		Quiet:            opts.Quiet,
	}
	if err := p.SetAllowlist(config.GPGAllowlist); err != nil {
		return "", err
	}

	slog.Info("snapshot starts", "repos", len(names), "shard", shard.String())
	started := time.Now()
	snaps, err := p.Run(ctx, names, config.Repos)
	if err != nil {
		return "", err
	}

	out, err := tree.Create(started)
	if err != nil {
		return "", err
	}
	if _, err := snapshot.NewAssembler(store, db).Commit(ctx, snaps, out); err != nil {
		return "", err
	}
	if err := tree.Publish(out); err != nil {
		return "", err
	}
	slog.Info("snapshot ends", "dir", out, "elapsed", time.Since(started).Round(time.Second))
	return out, nil
}
