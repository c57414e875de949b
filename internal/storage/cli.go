package storage

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
)

// IDPlaceholder is replaced by the storage ID in CLI command arguments.
const IDPlaceholder = "{id}"

// CLIStore adapts an external command line tool.  Each command gets the
// blob on stdin (write) or prints it on stdout (read).  RemoveCmd must
// succeed for absent blobs.
type CLIStore struct {
	WriteCmd  []string
	ReadCmd   []string
	RemoveCmd []string
}

func expandArgs(args []string, id string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, IDPlaceholder, id)
	}
	return out
}

func (s *CLIStore) command(ctx context.Context, args []string, id string) *exec.Cmd {
	argv := expandArgs(args, id)
	return exec.CommandContext(ctx, argv[0], argv[1:]...) // #nosec G204 - commands come from the configuration file
}

type cliWriter struct {
	store  *CLIStore
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	done   bool
}

// Writer implements Store.
func (s *CLIStore) Writer(ctx context.Context) (Writer, error) {
	id := newID()
	cmd := s.command(ctx, s.WriteCmd, id)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "CLIStore.Writer")
	}
	stderr := new(bytes.Buffer)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "CLIStore.Writer")
	}
	return &cliWriter{store: s, id: id, cmd: cmd, stdin: stdin, stderr: stderr}, nil
}

func (w *cliWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.New("write after commit or abandon")
	}
	return w.stdin.Write(p)
}

func (w *cliWriter) Commit() (string, error) {
	if w.done {
		return "", errors.New("commit after commit or abandon")
	}
	w.done = true
	err := w.stdin.Close()
	if werr := w.cmd.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		w.store.removeQuietly(w.id)
		return "", errors.Wrapf(err, "write %s: %s", w.id, strings.TrimSpace(w.stderr.String()))
	}
	return w.id, nil
}

func (w *cliWriter) Abandon() {
	if w.done {
		return
	}
	w.done = true
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.cmd.Wait()
	w.store.removeQuietly(w.id)
}

func (s *CLIStore) removeQuietly(id string) {
	if err := s.Remove(context.Background(), id); err != nil {
		slog.Warn("failed to discard partial blob", "storage_id", id, "error", err)
	}
}

type cliReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func (r *cliReader) Close() error {
	err := r.ReadCloser.Close()
	if werr := r.cmd.Wait(); werr != nil {
		return errors.Wrapf(werr, "read: %s", strings.TrimSpace(r.stderr.String()))
	}
	return err
}

// Reader implements Store.  A non-zero exit of the read command is
// reported by Close.
func (s *CLIStore) Reader(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	cmd := s.command(ctx, s.ReadCmd, id)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "CLIStore.Reader")
	}
	stderr := new(bytes.Buffer)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "CLIStore.Reader")
	}
	return &cliReader{ReadCloser: stdout, cmd: cmd, stderr: stderr}, nil
}

// Remove implements Store.
func (s *CLIStore) Remove(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	out, err := s.command(ctx, s.RemoveCmd, id).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "remove %s: %s", id, strings.TrimSpace(string(out)))
	}
	return nil
}
