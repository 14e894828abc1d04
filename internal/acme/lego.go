package acme

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"github.com/go-acme/lego/v4/registration"
	"github.com/rs/zerolog"

	"github.com/edvin/lazyacme/internal/config"
	"github.com/edvin/lazyacme/internal/model"
)

const cloudflareProvider = "cloudflare"

// accountUser implements registration.User for the lego client.
type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string                        { return u.email }
func (u *accountUser) GetRegistration() *registration.Resource { return u.registration }
func (u *accountUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// LegoExecutor obtains certificates in-process with lego, solving DNS-01
// through Cloudflare. The provider file supplies api_token.
type LegoExecutor struct {
	dataDir        string
	accountKeyPath string
	email          string
	directoryURL   string
	timeout        time.Duration
	logger         zerolog.Logger
	obtain         func(token string, domains []string) (*certificate.Resource, error)

	mu   sync.Mutex
	user *accountUser

	// running holds domains whose order is still in flight, including orders
	// that outlived their Execute call.
	runMu   sync.Mutex
	running map[string]struct{}
}

func NewLegoExecutor(dataDir, accountKeyPath, email, directoryURL string, timeout time.Duration, logger zerolog.Logger) *LegoExecutor {
	e := &LegoExecutor{
		dataDir:        dataDir,
		accountKeyPath: accountKeyPath,
		email:          email,
		directoryURL:   directoryURL,
		timeout:        timeout,
		logger:         logger.With().Str("component", "lego-executor").Logger(),
		running:        make(map[string]struct{}),
	}
	e.obtain = e.legoObtain
	return e
}

func (e *LegoExecutor) apiToken(entry model.DomainEntry) (string, error) {
	if entry.DNSProvider != cloudflareProvider {
		return "", fmt.Errorf("%w: provider %q is not supported by the lego executor", model.ErrConfigInvalid, entry.DNSProvider)
	}
	provider, err := config.LoadProvider(e.dataDir, entry.DNSProvider)
	if err != nil {
		return "", err
	}
	token := provider.Vars["api_token"]
	if token == "" || strings.HasPrefix(token, "YOUR_") {
		return "", fmt.Errorf("%w: provider %s: api_token is not set", model.ErrConfigInvalid, entry.DNSProvider)
	}
	return token, nil
}

func (e *LegoExecutor) Validate(entry model.DomainEntry) error {
	_, err := e.apiToken(entry)
	return err
}

// accountKey loads the persisted ACME account key, creating it on first use.
func (e *LegoExecutor) accountKey() (crypto.PrivateKey, error) {
	data, err := os.ReadFile(e.accountKeyPath)
	if err == nil {
		return certcrypto.ParsePEMPrivateKey(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read account key: %w", err)
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	if err := os.WriteFile(e.accountKeyPath, certcrypto.PEMEncode(key), 0o600); err != nil {
		return nil, fmt.Errorf("write account key: %w", err)
	}
	e.logger.Info().Str("path", e.accountKeyPath).Msg("created acme account key")
	return key, nil
}

func (e *LegoExecutor) client(token string) (*lego.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.user == nil {
		key, err := e.accountKey()
		if err != nil {
			return nil, err
		}
		e.user = &accountUser{email: e.email, key: key}
	}

	cfg := lego.NewConfig(e.user)
	cfg.CADirURL = e.directoryURL
	cfg.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create acme client: %w", err)
	}

	cfCfg := cloudflare.NewDefaultConfig()
	cfCfg.AuthToken = token
	provider, err := cloudflare.NewDNSProviderConfig(cfCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: cloudflare provider: %v", model.ErrConfigInvalid, err)
	}
	if err := client.Challenge.SetDNS01Provider(provider, dns01.AddDNSTimeout(e.timeout)); err != nil {
		return nil, fmt.Errorf("set dns-01 provider: %w", err)
	}

	if e.user.registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, fmt.Errorf("register account: %w", err)
		}
		e.user.registration = reg
		e.logger.Info().Str("email", e.email).Msg("registered acme account")
	}
	return client, nil
}

func (e *LegoExecutor) legoObtain(token string, domains []string) (*certificate.Resource, error) {
	client, err := e.client(token)
	if err != nil {
		return nil, err
	}
	return client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: domains,
		Bundle:  true,
	})
}

func (e *LegoExecutor) markRunning(domain string) bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if _, ok := e.running[domain]; ok {
		return false
	}
	e.running[domain] = struct{}{}
	return true
}

func (e *LegoExecutor) clearRunning(domain string) {
	e.runMu.Lock()
	delete(e.running, domain)
	e.runMu.Unlock()
}

func (e *LegoExecutor) Execute(ctx context.Context, entry model.DomainEntry) (*Issued, error) {
	token, err := e.apiToken(entry)
	if err != nil {
		return nil, newError(model.ErrorConfigInvalid, err, "%v", err)
	}

	if !e.markRunning(entry.Name) {
		return nil, newError(model.ErrorTransient, nil, "a previous acme order for %s is still running", entry.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		res *certificate.Resource
		err error
	}
	done := make(chan result, 1)

	// lego has no context support. On timeout the order keeps running until
	// lego's own timeouts end it, and the domain stays marked until then.
	go func() {
		res, err := e.obtain(token, []string{"*." + entry.Name, entry.Name})
		e.clearRunning(entry.Name)
		done <- result{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(model.ErrorTransient, ctx.Err(), "acme order timed out after %s", e.timeout)
		}
		return nil, newError(model.ErrorTransient, ctx.Err(), "acme order interrupted")
	case r := <-done:
		if r.err != nil {
			c := Classify(r.err.Error(), -1)
			if errors.Is(r.err, model.ErrConfigInvalid) {
				c.Kind = model.ErrorConfigInvalid
			}
			e.logger.Warn().Err(r.err).Str("domain", entry.Name).Str("kind", string(c.Kind)).Msg("acme order failed")
			if c.Match != "" {
				return nil, newError(c.Kind, r.err, "acme order failed (%s)", c.Match)
			}
			return nil, newError(c.Kind, r.err, "acme order failed")
		}
		return finalize(entry.Name, r.res.Certificate, r.res.PrivateKey, time.Now())
	}
}
