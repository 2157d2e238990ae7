// Command cobalt runs WhatsApp multi-device sockets and manages their
// persisted sessions.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/technocode/Cobalt/pkg/config"
	"github.com/technocode/Cobalt/pkg/logger"
	"github.com/technocode/Cobalt/pkg/store"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

// globalFlags override the environment configuration.
type globalFlags struct {
	storage  string
	dataDir  string
	database string
	logLevel string
	logFile  string
	client   string
}

func main() {
	var flags globalFlags
	rootCmd := &cobra.Command{
		Use:           "cobalt",
		Short:         "WhatsApp multi-device socket client",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.storage, "storage", "", "session storage: sqlite or file")
	pf.StringVar(&flags.dataDir, "data-dir", "", "directory for session files and the database")
	pf.StringVar(&flags.database, "db", "", "sqlite database path")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flags.logFile, "log-file", "", "also write JSON logs to this rotated file")
	pf.StringVar(&flags.client, "client", string(store.ClientWeb), "client type: web or mobile")

	rootCmd.AddCommand(
		connectCmd(&flags),
		sessionsCmd(&flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig applies the flags on top of Load.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if f.storage != "" {
		cfg.Storage = f.storage
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
		if f.database == "" {
			cfg.DatabasePath = filepath.Join(cfg.DataDir, "cobalt.db")
		}
	}
	if f.database != "" {
		cfg.DatabasePath = f.database
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.logFile != "" {
		cfg.LogFile = f.logFile
	}
	return cfg, cfg.Validate()
}

func (f *globalFlags) clientType() (store.ClientType, error) {
	switch ct := store.ClientType(f.client); ct {
	case store.ClientWeb, store.ClientMobile:
		return ct, nil
	default:
		return "", fmt.Errorf("unknown client type %q", f.client)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	lc := logger.Config{Level: cfg.LogLevel, Console: true}
	if cfg.LogFile != "" {
		lc.File = &logger.FileConfig{Filename: cfg.LogFile, MaxSize: 50, MaxBackups: 5, MaxAge: 30, Compress: true}
	}
	return logger.New(lc)
}

// serializerCloser is a Serializer that may hold resources.
type serializerCloser interface {
	store.Serializer
	Close() error
}

type nopCloser struct {
	store.Serializer
}

func (nopCloser) Close() error { return nil }

func openSerializer(cfg *config.Config) (serializerCloser, error) {
	if cfg.Storage == "file" {
		fs, err := store.NewFileSerializer(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return nopCloser{fs}, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	return store.NewSQLSerializer(cfg.DatabasePath)
}

// parseSessionKey reads a session reference: a UUID, a phone number with
// an optional leading +, or an alias.
func parseSessionKey(clientType store.ClientType, ref string) store.SessionKey {
	key := store.SessionKey{ClientType: clientType}
	if id, err := uuid.Parse(ref); err == nil {
		key.UUID = id
		return key
	}
	phone := strings.TrimPrefix(ref, "+")
	if phone != "" && strings.Trim(phone, "0123456789") == "" {
		key.Phone = phone
		return key
	}
	key.Alias = ref
	return key
}
