package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const defaultDomainConfig = `# This file maps your domains to a DNS provider configuration.
# Example:
# [[domains]]
# name = "example.com"
# dns_provider = "cloudflare"
`

const defaultCloudflareProvider = `# Configuration for the 'cloudflare' DNS provider.
# You can get your API token from the Cloudflare dashboard.
# https://dash.cloudflare.com/profile/api-tokens

# The command executed for every issuance and renewal.
# Placeholders like {{API_KEY}}, {{EMAIL}} and {{DOMAIN}} are replaced.
cmd = "CLOUDFLARE_DNS_API_TOKEN={{API_KEY}} lego --accept-tos --email {{EMAIL}} --dns cloudflare -d '*.{{DOMAIN}}' -d {{DOMAIN}} run"

# --- Your Credentials ---
api_key = "YOUR_CLOUDFLARE_API_TOKEN"
api_token = "YOUR_CLOUDFLARE_API_TOKEN"
email = "your-email@example.com"
`

// Initialize creates the data directory layout and writes commented default
// configuration files that do not exist yet. It reports whether any default
// file was written, in which case the operator must edit it before the daemon
// can do useful work.
func Initialize(c *Config) (bool, error) {
	for _, dir := range []string{c.DirPath, c.LegoDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return false, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	defaults := []struct {
		path    string
		content string
	}{
		{c.DomainConfigPath(), defaultDomainConfig},
		{filepath.Join(c.DirPath, "cloudflare.dns.toml"), defaultCloudflareProvider},
	}

	firstRun := false
	for _, d := range defaults {
		if _, err := os.Stat(d.path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return false, fmt.Errorf("stat %s: %w", d.path, err)
		}
		if err := os.WriteFile(d.path, []byte(d.content), 0o600); err != nil {
			return false, fmt.Errorf("write default %s: %w", d.path, err)
		}
		firstRun = true
	}
	return firstRun, nil
}
