package acme

import (
	"regexp"
	"strings"

	"github.com/edvin/lazyacme/internal/model"
)

type rule struct {
	kind    model.ErrorKind
	pattern *regexp.Regexp
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{model.ErrorRateLimited, regexp.MustCompile(`(?i)rate[ -]?limit|too many (certificates|requests|failed authorizations)|urn:ietf:params:acme:error:rateLimited|\b429\b`)},
	{model.ErrorAuthFailure, regexp.MustCompile(`(?i)(^|[^:])unauthori[sz]ed|\b401\b|authentication (error|failed)|invalid (api )?(token|key|credentials)|invalid request headers|forbidden|account does not exist|urn:ietf:params:acme:error:accountDoesNotExist`)},
	// ACME reports failed validations as urn:ietf:params:acme:error:unauthorized.
	{model.ErrorChallengeFailure, regexp.MustCompile(`(?i)challenge|dns problem|nxdomain|txt record|propagation|urn:ietf:params:acme:error:(unauthorized|dns|incorrectResponse|caa)`)},
	{model.ErrorConfigInvalid, regexp.MustCompile(`(?i)flag provided but not defined|unknown (flag|command)|command not found|not found in \$path|invalid domain|no such file or directory|urn:ietf:params:acme:error:(malformed|rejectedIdentifier)`)},
	{model.ErrorTransient, regexp.MustCompile(`(?i)time(d)? ?out|deadline exceeded|connection (refused|reset)|temporar(y|ily)|no such host|service unavailable|bad gateway|\b50[234]\b|unexpected eof|urn:ietf:params:acme:error:serverInternal`)},
}

// Classification is the result of interpreting a client failure.
type Classification struct {
	Kind  model.ErrorKind
	Match string
}

// Classify interprets the output and exit code of a failed client run. An
// exit code of 126 or 127 means the shell could not run the command at all.
// Pass a negative exit code when there is no process exit status.
func Classify(output string, exitCode int) Classification {
	if exitCode == 126 || exitCode == 127 {
		return Classification{Kind: model.ErrorConfigInvalid, Match: "command could not be executed"}
	}
	text := withoutInfoLines(output)
	for _, r := range rules {
		if m := r.pattern.FindString(text); m != "" {
			return Classification{Kind: r.kind, Match: strings.TrimSpace(m)}
		}
	}
	return Classification{Kind: model.ErrorUnknown}
}

// withoutInfoLines drops progress lines such as "[INFO] acme: Waiting for DNS
// record propagation." which would otherwise match the challenge rule on
// every run.
func withoutInfoLines(output string) string {
	lines := strings.Split(output, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.Contains(l, "[INFO]") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}
