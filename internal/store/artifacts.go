package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/edvin/lazyacme/internal/platform"
)

const (
	chainFile = "fullchain.pem"
	keyFile   = "privkey.pem"
)

// ArtifactSet locates one generation of a domain's certificate and key.
type ArtifactSet struct {
	Generation string
	CertPath   string
	KeyPath    string
}

// Artifacts manages <root>/<domain>/<generation>/{fullchain.pem,privkey.pem}.
// A generation directory only appears under its final name once both files
// are durably written.
type Artifacts struct {
	root string
}

func NewArtifacts(root string) (*Artifacts, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Artifacts{root: root}, nil
}

func (a *Artifacts) domainDir(domain string) string {
	return filepath.Join(a.root, domain)
}

// Publish writes a new generation for domain.
func (a *Artifacts) Publish(domain string, chain, key []byte, now time.Time) (ArtifactSet, error) {
	dir := a.domainDir(domain)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ArtifactSet{}, fmt.Errorf("create domain artifact dir: %w", err)
	}

	gen := platform.NewGeneration(now)
	tmp, err := os.MkdirTemp(dir, ".publish-*")
	if err != nil {
		return ArtifactSet{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := writeSynced(filepath.Join(tmp, chainFile), chain, 0o644); err != nil {
		return ArtifactSet{}, fmt.Errorf("write certificate: %w", err)
	}
	if err := writeSynced(filepath.Join(tmp, keyFile), key, 0o600); err != nil {
		return ArtifactSet{}, fmt.Errorf("write private key: %w", err)
	}
	if err := syncDir(tmp); err != nil {
		return ArtifactSet{}, fmt.Errorf("sync staging dir: %w", err)
	}

	final := filepath.Join(dir, gen)
	if err := os.Rename(tmp, final); err != nil {
		return ArtifactSet{}, fmt.Errorf("publish generation: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return ArtifactSet{}, fmt.Errorf("sync domain artifact dir: %w", err)
	}

	return a.set(domain, gen), nil
}

func (a *Artifacts) set(domain, gen string) ArtifactSet {
	dir := filepath.Join(a.domainDir(domain), gen)
	return ArtifactSet{
		Generation: gen,
		CertPath:   filepath.Join(dir, chainFile),
		KeyPath:    filepath.Join(dir, keyFile),
	}
}

// generations returns the complete generation names for domain, newest first.
func (a *Artifacts) generations(domain string) ([]string, error) {
	entries, err := os.ReadDir(a.domainDir(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var gens []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := platform.GenerationTime(e.Name()); ok {
			gens = append(gens, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(gens)))
	return gens, nil
}

// Latest returns the newest generation whose files are both present.
func (a *Artifacts) Latest(domain string) (ArtifactSet, bool, error) {
	gens, err := a.generations(domain)
	if err != nil {
		return ArtifactSet{}, false, fmt.Errorf("list generations for %s: %w", domain, err)
	}
	for _, gen := range gens {
		set := a.set(domain, gen)
		if fileExists(set.CertPath) && fileExists(set.KeyPath) {
			return set, true, nil
		}
	}
	return ArtifactSet{}, false, nil
}

// Prune removes every generation except current and the newest keepPrevious
// others.
func (a *Artifacts) Prune(domain, current string, keepPrevious int) error {
	gens, err := a.generations(domain)
	if err != nil {
		return fmt.Errorf("list generations for %s: %w", domain, err)
	}
	kept := 0
	for _, gen := range gens {
		if gen == current {
			continue
		}
		if kept < keepPrevious {
			kept++
			continue
		}
		if err := os.RemoveAll(filepath.Join(a.domainDir(domain), gen)); err != nil {
			return fmt.Errorf("remove generation %s/%s: %w", domain, gen, err)
		}
	}
	return nil
}

// GenerationOf returns the generation directory name of an artifact path.
func GenerationOf(path string) string {
	return filepath.Base(filepath.Dir(path))
}

func writeSynced(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
