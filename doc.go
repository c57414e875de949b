/*
Package reposnap is a tool for taking consistent snapshots of RPM repositories.

reposnap fetches every configured repository at one point in time and records
what it saw, with features including:
  - Content-addressed blob storage shared by all repos and runs
  - A dedup index keyed by universe, NEVRA and checksum
  - Detection of packages whose content changed under the same NEVRA
  - Sharding of the package download across uncoordinated hosts
  - GPG key allowlisting
  - An HTTP server that re-verifies every streamed blob

The main packages are:

	github.com/mirrorctl/reposnap/internal/repo      - repomd.xml, primary index parsing and checksum verification
	github.com/mirrorctl/reposnap/internal/repodb    - SQLite dedup index
	github.com/mirrorctl/reposnap/internal/storage   - blob store backends
	github.com/mirrorctl/reposnap/internal/mirror    - configuration and the snapshot pipeline
	github.com/mirrorctl/reposnap/internal/snapshot  - snapshot index assembly and loading
	github.com/mirrorctl/reposnap/internal/server    - HTTP server for a loaded snapshot
	github.com/mirrorctl/reposnap/cmd/reposnap       - Command-line interface
*/
package reposnap
