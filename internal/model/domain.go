package model

// DomainEntry identifies one managed domain and the DNS provider credential
// set used to solve its DNS-01 challenge.
type DomainEntry struct {
	Name        string `json:"name" toml:"name"`
	DNSProvider string `json:"dns_provider" toml:"dns_provider"`
}

// DNSProvider is a named credential set read from <name>.dns.toml.
// Command is the external ACME client invocation template; Vars holds every
// other key of the file and is substituted into {{PLACEHOLDER}} tokens.
type DNSProvider struct {
	Name    string
	Command string
	Vars    map[string]string
}
