package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/edvin/lazyacme/internal/model"
)

var validate = validator.New()

var providerNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// placeholderKeyDomain is reserved: {{DOMAIN}} always expands to the domain.
const placeholderKeyDomain = "domain"

type domainFile struct {
	Domains []model.DomainEntry `toml:"domains"`
}

// LoadDomains parses the domain-to-provider mapping. Names are trimmed and
// lower-cased; duplicate or malformed entries are rejected.
func LoadDomains(path string) ([]model.DomainEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read domain config: %w", err)
	}

	var f domainFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse domain config %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Domains))
	entries := make([]model.DomainEntry, 0, len(f.Domains))
	for i, d := range f.Domains {
		name := strings.ToLower(strings.TrimSpace(d.Name))
		provider := strings.TrimSpace(d.DNSProvider)

		if err := ValidateDomainName(name); err != nil {
			return nil, fmt.Errorf("domains[%d]: %w", i, err)
		}
		if !providerNameRegex.MatchString(provider) {
			return nil, fmt.Errorf("domains[%d] %s: invalid dns_provider %q", i, name, provider)
		}
		if seen[name] {
			return nil, fmt.Errorf("domains[%d]: duplicate domain %s", i, name)
		}
		seen[name] = true

		entries = append(entries, model.DomainEntry{Name: name, DNSProvider: provider})
	}
	return entries, nil
}

// ValidateDomainName checks that name is a fully-qualified domain name.
func ValidateDomainName(name string) error {
	if name == "" {
		return fmt.Errorf("domain name is empty")
	}
	if err := validate.Var(name, "fqdn"); err != nil {
		return fmt.Errorf("invalid domain name %q", name)
	}
	return nil
}

// ProviderConfigPath returns the location of a named provider credential file.
func ProviderConfigPath(dir, name string) string {
	return filepath.Join(dir, name+".dns.toml")
}

// LoadProvider reads <dir>/<name>.dns.toml. The cmd key is the command
// template; every other scalar key becomes a placeholder variable.
// Every failure wraps model.ErrConfigInvalid.
func LoadProvider(dir, name string) (model.DNSProvider, error) {
	if !providerNameRegex.MatchString(name) {
		return model.DNSProvider{}, fmt.Errorf("%w: invalid provider name %q", model.ErrConfigInvalid, name)
	}

	path := ProviderConfigPath(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.DNSProvider{}, fmt.Errorf("%w: DNS provider config not found for %q at %s", model.ErrConfigInvalid, name, path)
		}
		return model.DNSProvider{}, fmt.Errorf("%w: read %s: %v", model.ErrConfigInvalid, path, err)
	}

	raw := map[string]any{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return model.DNSProvider{}, fmt.Errorf("%w: parse %s: %v", model.ErrConfigInvalid, path, err)
	}

	p := model.DNSProvider{Name: name, Vars: map[string]string{}}
	for k, v := range raw {
		if strings.EqualFold(k, "cmd") {
			s, ok := v.(string)
			if !ok {
				return model.DNSProvider{}, fmt.Errorf("%w: %s: cmd must be a string", model.ErrConfigInvalid, path)
			}
			p.Command = strings.TrimSpace(s)
			continue
		}
		switch val := v.(type) {
		case string:
			p.Vars[strings.ToLower(k)] = val
		case int64, float64, bool:
			p.Vars[strings.ToLower(k)] = fmt.Sprint(val)
		}
	}
	if p.Command == "" {
		return model.DNSProvider{}, fmt.Errorf("%w: %s: cmd is empty", model.ErrConfigInvalid, path)
	}
	delete(p.Vars, placeholderKeyDomain)
	return p, nil
}
