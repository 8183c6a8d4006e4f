// Package arurl parses ar:// identifiers and resolves them against gateway
// origins.
//
// An ar:// authority is either a 43-character base64url transaction ID, a
// registered name (lowercase label), or — for gasless resolution — a full DNS
// domain whose TXT record points at a transaction. A leading slash instead of
// an authority addresses the gateway itself.
package arurl

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/permagate/wayfinder/pkg/wferr"
)

// Scheme is the URI scheme handled by this package.
const Scheme = "ar://"

// Kind classifies the authority portion of an ar:// URL.
type Kind int

const (
	// KindTxID — 43-char base64url transaction ID.
	KindTxID Kind = iota
	// KindName — registered name label.
	KindName
	// KindDomain — DNS domain for gasless TXT resolution.
	KindDomain
	// KindGatewayPath — ar:///… addresses the gateway itself.
	KindGatewayPath
	// KindUnknown — authority matched no known form; passed through as a path.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindTxID:
		return "txid"
	case KindName:
		return "name"
	case KindDomain:
		return "domain"
	case KindGatewayPath:
		return "gateway-path"
	default:
		return "unknown"
	}
}

var (
	txIDRe   = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)
	nameRe   = regexp.MustCompile(`^[a-z0-9_-]{1,51}$`)
	domainRe = regexp.MustCompile(`^([a-z0-9_-]{1,63}\.)+[a-z]{2,}$`)
)

// b64url decodes/encodes without padding, matching the on-chain ID encoding.
var b64url = base64.RawURLEncoding

// sandboxEnc re-encodes tx IDs for use as DNS labels: base32, no padding,
// lowercase (52 characters for 32 bytes).
var sandboxEnc = base32.StdEncoding.WithPadding(base32.NoPadding)

// IsTxID reports whether s is a well-formed 43-character base64url
// transaction ID that decodes to exactly 32 bytes.
func IsTxID(s string) bool {
	if !txIDRe.MatchString(s) {
		return false
	}
	raw, err := b64url.DecodeString(s)
	return err == nil && len(raw) == 32
}

// Sandbox returns the sandbox subdomain for a transaction ID: the 32 decoded
// bytes re-encoded as unpadded lowercase base32.
func Sandbox(txID string) (string, error) {
	raw, err := b64url.DecodeString(txID)
	if err != nil {
		return "", fmt.Errorf("sandbox: decode %q: %w", txID, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("sandbox: %q decodes to %d bytes, want 32", txID, len(raw))
	}
	return strings.ToLower(sandboxEnc.EncodeToString(raw)), nil
}

// Parsed is the result of parsing one ar:// URL.
type Parsed struct {
	Kind Kind

	// TxID is set for KindTxID.
	TxID string
	// Name is set for KindName (lowercased) and KindDomain.
	Name string

	// Subdomain and Path form the routing hint handed to strategies and to
	// Resolve. Path carries any query and fragment from the input.
	Subdomain string
	Path      string
}

// Hint returns the (subdomain, path) routing hint.
func (p *Parsed) Hint() (subdomain, path string) {
	return p.Subdomain, p.Path
}

// Normalize rewrites legacy https://arweave.net/... and arweave.dev URLs to
// their ar:// equivalent. Inputs that are not legacy gateway URLs are
// returned unchanged.
func Normalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	host := strings.ToLower(u.Hostname())
	if !strings.Contains(host, "arweave.net") && !strings.Contains(host, "arweave.dev") {
		return raw
	}
	rest := strings.TrimPrefix(u.Path, "/")
	if u.RawQuery != "" {
		rest += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		rest += "#" + u.Fragment
	}
	return Scheme + rest
}

// Parse parses an ar:// URL into its identifier and routing hint.
//
// The classification rules, in order:
//  1. "ar:///path" → gateway-direct, no subdomain.
//  2. 43-char base64url head → transaction ID; subdomain is its sandbox label.
//  3. lowercased head matching the name grammar → registered name.
//  4. head that looks like a DNS domain → gasless domain.
//  5. anything else → unknown; the whole rest becomes the path.
func Parse(raw string) (*Parsed, error) {
	raw = Normalize(raw)
	if !strings.HasPrefix(raw, Scheme) {
		return nil, &wferr.ParseError{Input: raw, Detail: "missing ar:// scheme"}
	}
	rest := raw[len(Scheme):]
	if rest == "" {
		return nil, &wferr.ParseError{Input: raw, Detail: "empty identifier"}
	}

	if strings.HasPrefix(rest, "/") {
		return &Parsed{Kind: KindGatewayPath, Path: rest}, nil
	}

	head, tail := rest, ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		head, tail = rest[:i], rest[i:]
	}
	// Query/fragment may attach directly to the head ("ar://name?a=1").
	if i := strings.IndexAny(head, "?#"); i >= 0 {
		head, tail = head[:i], head[i:]+tail
	}

	if IsTxID(head) {
		sub, err := Sandbox(head)
		if err != nil {
			return nil, &wferr.ParseError{Input: raw, Detail: err.Error()}
		}
		return &Parsed{
			Kind:      KindTxID,
			TxID:      head,
			Subdomain: sub,
			Path:      "/" + head + tail,
		}, nil
	}

	lower := strings.ToLower(head)
	if nameRe.MatchString(lower) {
		path := tail
		if path == "" {
			path = "/"
		}
		return &Parsed{Kind: KindName, Name: lower, Subdomain: lower, Path: path}, nil
	}

	if domainRe.MatchString(lower) {
		path := tail
		if path == "" {
			path = "/"
		}
		return &Parsed{Kind: KindDomain, Name: lower, Path: path}, nil
	}

	return &Parsed{Kind: KindUnknown, Path: "/" + rest}, nil
}

// Resolve builds the concrete gateway URL for a routing hint. The gateway's
// scheme and host are copied; the subdomain, when present, is prepended to
// the host. Query and fragment embedded in path are preserved.
func Resolve(subdomain, path string, gateway *url.URL) *url.URL {
	out := &url.URL{Scheme: gateway.Scheme, Host: gateway.Host}
	if subdomain != "" {
		out.Host = subdomain + "." + gateway.Host
	}

	rest := path
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		out.Fragment = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		out.RawQuery = rest[i+1:]
		rest = rest[:i]
	}
	if rest == "" {
		rest = "/"
	}
	out.Path = rest
	return out
}

// FirstPathSegment returns the first segment of an URL path, used to recover
// a transaction ID from a redirect URL when the resolved-id header is absent.
func FirstPathSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return path
}
