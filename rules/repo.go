package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/atlasgurus/badgestone/types"
)

// Repo loads badge rules from a directory tree of YAML files, typically a
// git checkout of the community badge definitions.  It owns the active rule
// list; consumers take a snapshot per message and the periodic reloader
// swaps in a fresh list when the checkout's last commit advances.
type Repo struct {
	directory string
	issuerID  string
	deps      *Deps
	appctx    *types.AppContext

	mu       sync.RWMutex
	rules    []*BadgeRule
	lastLoad time.Time
}

func NewRepo(directory, issuerID string, deps *Deps) (*Repo, error) {
	abs, err := filepath.Abs(directory)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("rules directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rules directory %q is not a directory", abs)
	}
	return &Repo{
		directory: abs,
		issuerID:  issuerID,
		deps:      deps,
		appctx:    deps.AppCtx,
	}, nil
}

// Rules returns the current snapshot.  The slice is never mutated after
// publication, so holding it across one message's processing is safe.
func (r *Repo) Rules() []*BadgeRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rules
}

// Setup registers the checkout in git's trusted-directory list.  The badge
// checkout is usually owned by a different uid than the service, and git
// refuses to read it until it is marked safe.
func (r *Repo) Setup(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "git", "config", "--get-all", "safe.directory").Output()
	var safeDirs []string
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
			return fmt.Errorf("listing safe directories: %w", err)
		}
		// Exit 1 just means the option is unset.
	} else {
		safeDirs = strings.Split(strings.TrimSpace(string(out)), "\n")
	}
	for _, dir := range safeDirs {
		if dir == r.directory {
			return nil
		}
	}
	err = exec.CommandContext(ctx, "git", "config", "--global", "--add",
		"safe.directory", r.directory).Run()
	if err != nil {
		return fmt.Errorf("marking %q safe: %w", r.directory, err)
	}
	return nil
}

// LoadAll reloads the rule set when forced or when the checkout has a newer
// commit than the last load.  A rule that fails to build is logged and
// skipped; the rest of the set still loads.
func (r *Repo) LoadAll(ctx context.Context, store AssertionStore, force bool) ([]*BadgeRule, error) {
	if !force {
		needed, err := r.needsUpdate(ctx)
		if err != nil {
			return r.Rules(), err
		}
		if !needed {
			return r.Rules(), nil
		}
	}

	loadTime := time.Now()
	r.appctx.Log.Info("loading badge definitions", zap.String("directory", r.directory))

	var loaded []*BadgeRule
	err := filepath.WalkDir(r.directory, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() == ".git" {
				return fs.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		rule, err := r.loadRule(ctx, path, store)
		if err != nil {
			r.appctx.Log.Error("skipping badge definition",
				zap.String("path", path), zap.Error(err))
			return nil
		}
		loaded = append(loaded, rule)
		return nil
	})
	if err != nil {
		return r.Rules(), fmt.Errorf("scanning %q: %w", r.directory, err)
	}

	r.mu.Lock()
	r.rules = loaded
	r.lastLoad = loadTime
	r.mu.Unlock()

	r.appctx.Log.Info("loaded badge definitions", zap.Int("count", len(loaded)))
	return loaded, nil
}

func (r *Repo) loadRule(ctx context.Context, path string, store AssertionStore) (*BadgeRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def map[string]interface{}
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	rule, err := NewBadgeRule(def, r.issuerID, r.deps)
	if err != nil {
		return nil, err
	}
	if err := rule.Register(ctx, store); err != nil {
		return nil, fmt.Errorf("registering badge %q: %w", rule.Name, err)
	}
	return rule, nil
}

// needsUpdate compares the checkout's last commit time against the last
// load.  The first call always reports true.
func (r *Repo) needsUpdate(ctx context.Context) (bool, error) {
	r.mu.RLock()
	lastLoad := r.lastLoad
	r.mu.RUnlock()
	if lastLoad.IsZero() {
		return true, nil
	}

	cmd := exec.CommandContext(ctx, "git", "-C", r.directory,
		"log", "-1", "--pretty=format:%aI")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("reading last commit time of %q: %w", r.directory, err)
	}
	lastCommit, err := dateparse.ParseAny(strings.TrimSpace(stdout.String()))
	if err != nil {
		return false, fmt.Errorf("parsing last commit time: %w", err)
	}
	return lastCommit.After(lastLoad), nil
}
