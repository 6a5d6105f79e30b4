package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/TheMichaelB/cryptodo/internal/client"
	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/creds"
	"github.com/TheMichaelB/cryptodo/internal/crypto"
	"github.com/TheMichaelB/cryptodo/internal/keystore"
	"github.com/TheMichaelB/cryptodo/internal/models"
	"github.com/TheMichaelB/cryptodo/internal/records"
	"github.com/TheMichaelB/cryptodo/internal/services/keys"
	"github.com/TheMichaelB/cryptodo/internal/services/todos"
)

var (
	localMode     bool
	localSubject  string
	usePassphrase bool
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&localMode, "local", false,
		"Use the configured stores directly instead of a server")
	rootCmd.PersistentFlags().StringVar(&localSubject, "subject", "",
		"Subject id for --local and token")
	rootCmd.PersistentFlags().BoolVarP(&usePassphrase, "passphrase", "P", false,
		"Derive the key from a passphrase prompt instead of the key file")
}

// localStack is the in-process key service and stores, shared by serve
// and --local.
type localStack struct {
	keys    *keys.Service
	store   keystore.Store
	records records.Store
}

func openLocal(ctx context.Context, metrics *keys.Metrics) (*localStack, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	opts, err := keys.OptionsFromConfig(&cfg.Crypto)
	if err != nil {
		return nil, err
	}
	if cfg.Crypto.KeyMode == config.KeyModeWrapped {
		wrapper, err := creds.NewKeyWrapper(ctx, &cfg.Crypto)
		if err != nil {
			return nil, fmt.Errorf("load root secret: %w", err)
		}
		opts.Wrapper = wrapper
	}

	store, err := keystore.Open(ctx, &cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	recs, err := records.Open(ctx, &cfg.Storage, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open record store: %w", err)
	}

	svc, err := keys.NewService(store, recs, opts, metrics, logger)
	if err != nil {
		store.Close()
		recs.Close()
		return nil, err
	}
	return &localStack{keys: svc, store: store, records: recs}, nil
}

func (l *localStack) Close() {
	if err := l.records.Close(); err != nil {
		logger.WithError(err).Warn("Close record store")
	}
	if err := l.store.Close(); err != nil {
		logger.WithError(err).Warn("Close key store")
	}
}

func requireLocalSubject() (string, error) {
	if err := models.ValidateSubject(localSubject); err != nil {
		return "", fmt.Errorf("--local needs --subject: %w", err)
	}
	return localSubject, nil
}

// workspace is an open session plus whatever must be released with it.
type workspace struct {
	*todos.Session
	close func()
}

func (w *workspace) Close() {
	w.close()
}

// openWorkspace derives the DEK and returns a ready session, either over
// the API or against local stores.
func openWorkspace(ctx context.Context) (*workspace, error) {
	if localMode {
		return openLocalWorkspace(ctx)
	}

	c, err := client.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	kdk, err := loadKDK()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(kdk)

	stop := startSpinner("Deriving key...")
	s, err := c.Open(ctx, kdk)
	stop()
	if err != nil {
		return nil, err
	}
	return &workspace{Session: s.Session, close: s.Close}, nil
}

func openLocalWorkspace(ctx context.Context) (*workspace, error) {
	subject, err := requireLocalSubject()
	if err != nil {
		return nil, err
	}
	stack, err := openLocal(ctx, nil)
	if err != nil {
		return nil, err
	}

	var (
		unlocker todos.Unlocker
		release  = stack.Close
	)
	if stack.keys.Wrapped() {
		unlocker = stack.keys.Unlocker()
	} else {
		kdk, err := loadKDK()
		if err != nil {
			stack.Close()
			return nil, err
		}
		u, err := keys.NewKDKUnlocker(kdk, stack.keys.Context())
		crypto.Zero(kdk)
		if err != nil {
			stack.Close()
			return nil, err
		}
		unlocker = u
		release = func() {
			u.Close()
			stack.Close()
		}
	}

	stop := startSpinner("Deriving key...")
	s, err := todos.NewSession(ctx, subject, stack.keys, stack.records, unlocker,
		todos.WithConcurrency(cfg.Crypto.RotationConcurrency),
		todos.WithLogger(logger),
	)
	stop()
	if err != nil {
		release()
		return nil, err
	}
	return &workspace{Session: s, close: release}, nil
}

// loadKDK reads the key file, or prompts for a passphrase with -P.
func loadKDK() ([]byte, error) {
	if usePassphrase {
		passphrase, err := promptSecret("Passphrase: ")
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		return client.KDKFromPassphrase(passphrase)
	}

	kdk, err := client.LoadKeyFile(cfg.Auth.KeyFile)
	if errors.Is(err, client.ErrNoKeyFile) {
		return nil, fmt.Errorf("%w (or pass --passphrase)", err)
	}
	return kdk, err
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	if !term.IsTerminal(int(syscall.Stdin)) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}
