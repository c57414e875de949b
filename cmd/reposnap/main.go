// Package main implements the reposnap command-line tool for snapshotting RPM repositories.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/mirrorctl/reposnap/internal/mirror"
	"github.com/mirrorctl/reposnap/internal/server"
	"github.com/mirrorctl/reposnap/internal/snapshot"
)

const (
	defaultConfigPath = "/etc/reposnap/reposnap.toml"
	shutdownTimeout   = 30 * time.Second
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "reposnap",
	Short: "Snapshot RPM package repositories",
	Long: `reposnap takes consistent, deduplicated snapshots of RPM repositories and
serves them over HTTP.

Each snapshot records the repomd.xml, index files and packages of every
configured repo at one point in time.  Blobs shared between repos and
between runs are stored once.`,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [repo-names...]",
	Short: "Take a snapshot of one or more RPM repositories",
	Long: `Takes a snapshot of the configured repositories and publishes it as the
latest one in the output tree.

Usage:
  # Snapshot all repositories in your configuration file
  reposnap snapshot

  # Snapshot only specific repositories
  reposnap snapshot centos-baseos epel

  # Let three hosts split one snapshot between them
  reposnap snapshot --shard 0:3

  # Use a custom configuration file
  reposnap snapshot --config /path/to/custom-location.toml

  # Suppress all output except for errors
  reposnap snapshot --quiet

If no repo names are specified, all repositories in the configuration file are
snapshotted.`,
	Run: runSnapshot,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a snapshot over HTTP",
	Long: `Serves the files of one snapshot at /<repo>/<path>.

Examples:
  reposnap serve
  reposnap serve --snapshot 20240115_103000 --listen 127.0.0.1:8080`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots in the output tree",
	Args:  cobra.NoArgs,
	Run:   runList,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("reposnap %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

var tlsCheckCmd = &cobra.Command{
	Use:   "tls-check [repo-name]",
	Short: "Check TLS configuration and capabilities for a repo",
	Long: `Performs a detailed TLS handshake and certificate check against the remote server of a configured repo.

Examples:
  reposnap tls-check centos-baseos`,
	Args: cobra.ExactArgs(1),
	Run:  runTLSCheck,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(tlsCheckCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	snapshotCmd.Flags().String("shard", "", "only fetch packages in shard index:modulo (overrides the configuration)")
	serveCmd.Flags().String("snapshot", "", "snapshot directory name to serve (default: latest)")
	serveCmd.Flags().String("listen", "", "listen address (overrides the configuration)")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	// For human-friendly output, try to extract the root message
	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	// Fallback to simple error message
	return err.Error()
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	// Group keys by their root section for repo typos
	repoGroups := make(map[string]int)

	for _, key := range undecoded {
		keyStr := key.String()

		// Check for common "repo" vs "repos" typo
		if keyStr == "repo" {
			continue
		}
		if strings.HasPrefix(keyStr, "repo.") {
			// Extract the root section (e.g., "repo.epel" from "repo.epel.url")
			parts := strings.Split(keyStr, ".")
			if len(parts) >= 2 {
				rootSection := parts[0] + "." + parts[1]
				repoGroups[rootSection]++
			}
		} else {
			// Keep track of keys we couldn't provide suggestions for
			unknown = append(unknown, keyStr)
		}
	}

	sections := make([]string, 0, len(repoGroups))
	for rootSection := range repoGroups {
		sections = append(sections, rootSection)
	}
	sort.Strings(sections)

	// Generate grouped suggestions
	for _, rootSection := range sections {
		count := repoGroups[rootSection]
		correctedSection := strings.Replace(rootSection, "repo.", "repos.", 1)
		if count == 1 {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s'", rootSection, correctedSection))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s' (affects %d keys)", rootSection, correctedSection, count))
		}
	}

	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration section names are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown keys: ")
		} else {
			errorMsg.WriteString("configuration contains unknown keys: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
		errorMsg.WriteString("\nThese keys don't match any expected configuration structure.")
	}

	return errorMsg.String()
}

// loadConfig decodes the configuration file and applies its log settings
// and the command-line overrides.
func loadConfig(cmd *cobra.Command) (*mirror.Config, error) {
	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			return nil, errors.Wrapf(err, "configuration file not found: %s", configPath)
		}
		return nil, errors.Wrapf(err, "failed to decode config file %s", configPath)
	}

	// Check for undecoded keys which might indicate parsing stopped early
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf("configuration validation failed: %s", formatUndecodedError(undecoded))
	}

	// Apply log configuration immediately after config loading
	if err := config.Log.Apply(); err != nil {
		return nil, errors.Wrap(err, "failed to apply log config")
	}

	// Override log level if specified on command line
	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			return nil, errors.Wrapf(err, "failed to apply command-line log level %q", logLevel)
		}
		slog.Debug("log level successfully overridden from command line", "level", logLevel)
	}

	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			return nil, errors.Wrap(err, "failed to apply quiet log level")
		}
	}
	return config, nil
}

// fail logs err and exits.
func fail(cmd *cobra.Command, msg string, err error) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	slog.Error(msg, "error", formatError(err, verboseErrors))
	if !verboseErrors {
		slog.Info("run with --verbose-errors for detailed stack traces")
	}
	os.Exit(1)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSnapshot(cmd *cobra.Command, args []string) {
	config, err := loadConfig(cmd)
	if err != nil {
		fail(cmd, "failed to load configuration", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	quiet, _ := cmd.Flags().GetBool("quiet")
	shard, _ := cmd.Flags().GetString("shard")
	dir, err := mirror.Run(ctx, config, args, mirror.Options{Shard: shard, Quiet: quiet})
	if err != nil {
		fail(cmd, "snapshot failed", err)
	}
	if !quiet {
		fmt.Println(dir)
	}
}

func runServe(cmd *cobra.Command, _ []string) {
	config, err := loadConfig(cmd)
	if err != nil {
		fail(cmd, "failed to load configuration", err)
	}
	if err := config.Check(); err != nil {
		fail(cmd, "invalid configuration", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	tree, err := mirror.NewOutputTree(config.Dir)
	if err != nil {
		fail(cmd, "failed to open output tree", err)
	}
	name, _ := cmd.Flags().GetString("snapshot")
	dir, err := tree.Resolve(name)
	if err != nil {
		fail(cmd, "no such snapshot", err)
	}

	store, err := mirror.OpenStore(config)
	if err != nil {
		fail(cmd, "failed to open storage", err)
	}
	objects, err := snapshot.Load(ctx, store, dir)
	if err != nil {
		fail(cmd, "failed to load snapshot", err)
	}

	listen := config.Server.Listen
	if l, _ := cmd.Flags().GetString("listen"); l != "" {
		listen = l
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           server.New(store, objects, config.Server.ChunkSize),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving snapshot", "dir", dir, "listen", listen, "objects", len(objects))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fail(cmd, "server failed", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fail(cmd, "server shutdown failed", err)
		}
		slog.Info("server stopped")
	}
}

func runList(cmd *cobra.Command, _ []string) {
	config, err := loadConfig(cmd)
	if err != nil {
		fail(cmd, "failed to load configuration", err)
	}

	tree, err := mirror.NewOutputTree(config.Dir)
	if err != nil {
		fail(cmd, "failed to open output tree", err)
	}
	snapshots, err := tree.List()
	if err != nil {
		fail(cmd, "failed to list snapshots", err)
	}

	if len(snapshots) == 0 {
		fmt.Println("No snapshots found")
		return
	}
	for _, s := range snapshots {
		marker := ""
		if s.IsLatest {
			marker = " (latest)"
		}
		fmt.Printf("  - %s%s  %s  %s\n", s.Name, marker, s.CreatedAt.Format(time.RFC3339), s.StorageID)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	config, err := loadConfig(cmd)
	if err != nil {
		fail(cmd, "failed to load configuration", err)
	}

	if err := config.Check(); err != nil {
		slog.Error("the toml configuration file is not valid")
		fail(cmd, "validation failed", err)
	}

	names, _ := config.RepoNames(nil)
	slog.Info("the toml configuration file passes validation checks", "repos", len(names))
}

func runTLSCheck(cmd *cobra.Command, args []string) {
	name := args[0]

	config, err := loadConfig(cmd)
	if err != nil {
		fail(cmd, "failed to load configuration", err)
	}

	// Find the target repo
	rc, ok := config.Repos[name]
	if !ok {
		fmt.Printf("Repo '%s' not found in configuration.\n\n", name)
		fmt.Println("Available repos:")
		names, _ := config.RepoNames(nil)
		for _, n := range names {
			fmt.Printf("  - %s\n", n)
		}
		os.Exit(1)
	}

	// Extract host and port from URL
	host := rc.URL.Hostname()
	port := rc.URL.Port()
	if port == "" {
		if rc.URL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	fmt.Printf("Checking TLS status for repo '%s' (%s:%s)...\n\n", name, host, port)

	checkTLSVersions(config, host, port)
	checkCertificateDetails(config, host, port)

	fmt.Println("TLS check complete.")
}

func checkTLSVersions(config *mirror.Config, host, port string) {
	fmt.Println("[+] TLS Version Support:")

	tlsVersions := []struct {
		version uint16
		name    string
	}{
		{tls.VersionTLS12, "TLS 1.2"},
		{tls.VersionTLS13, "TLS 1.3"},
	}

	for _, tlsVer := range tlsVersions {
		// Build TLS config from user's global settings
		tlsConf, err := config.TLS.BuildTLSConfig()
		if err != nil {
			fmt.Printf("    %s: Error building TLS config (%v)\n", tlsVer.name, err)
			continue
		}

		// Override version settings to test specific version
		tlsConf.MinVersion = tlsVer.version
		tlsConf.MaxVersion = tlsVer.version

		conn, err := tls.Dial("tcp", net.JoinHostPort(host, port), tlsConf)
		if err != nil {
			fmt.Printf("    %s: Not Supported (%v)\n", tlsVer.name, err)
		} else {
			fmt.Printf("    %s: Supported\n", tlsVer.name)
			conn.Close()
		}
	}
	fmt.Println()
}

func checkCertificateDetails(config *mirror.Config, host, port string) {
	fmt.Println("[+] Connection Details:")

	tlsConf, err := config.TLS.BuildTLSConfig()
	if err != nil {
		fmt.Printf("Error building TLS config: %v\n", err)
		return
	}

	conn, err := tls.Dial("tcp", net.JoinHostPort(host, port), tlsConf)
	if err != nil {
		fmt.Printf("Failed to establish connection: %v\n", err)
		return
	}
	defer conn.Close()

	connState := conn.ConnectionState()

	fmt.Printf("    Negotiated Version: %s\n", tls.VersionName(connState.Version))
	fmt.Printf("    Negotiated Cipher:  %s\n", tls.CipherSuiteName(connState.CipherSuite))
	fmt.Println()

	fmt.Println("[+] Server Certificate Chain:")
	for i, cert := range connState.PeerCertificates {
		fmt.Printf("    - Cert %d:\n", i)
		fmt.Printf("      Subject:  %s\n", cert.Subject.CommonName)
		fmt.Printf("      Issuer:   %s\n", cert.Issuer.CommonName)
		fmt.Printf("      Expires:  %s\n", cert.NotAfter.Format(time.RFC3339))
		if i < len(connState.PeerCertificates)-1 {
			fmt.Println()
		}
	}
	fmt.Println()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
