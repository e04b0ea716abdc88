package sip

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/icholy/digest"
)

// Challenge is the subset of a parsed WWW-Authenticate header this client
// needs to build an Authorization response.
type Challenge struct {
	Realm string
	Nonce string
}

// ParseChallenge parses a WWW-Authenticate header value using
// github.com/icholy/digest, the same library a trunk registrar client
// would use to talk to upstream SIP registrars.
func ParseChallenge(wwwAuthenticate string) (*Challenge, error) {
	chal, err := digest.ParseChallenge(wwwAuthenticate)
	if err != nil {
		return nil, fmt.Errorf("parsing WWW-Authenticate: %w", err)
	}
	if chal.Realm == "" || chal.Nonce == "" {
		return nil, fmt.Errorf("WWW-Authenticate missing realm or nonce: %q", wwwAuthenticate)
	}
	return &Challenge{Realm: chal.Realm, Nonce: chal.Nonce}, nil
}

// md5hex is the MD5(a:b:c:...) primitive the HA1/HA2/response computation
// is built from.
func md5hex(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// ComputeAuthorization builds the Authorization header value for a
// digest-challenged REGISTER. It deliberately does not use
// github.com/icholy/digest's own Digest.String/Authorize helpers: those
// build HA2 from the request's actual URI, while this registrar's digest
// scheme is authenticated against uri, an apparent historical bug
// preserved rather than fixed.
func ComputeAuthorization(username, realm, nonce, secret, method, uri string) string {
	ha1 := md5hex(username, realm, secret)
	ha2 := md5hex(method, uri)
	response := md5hex(ha1, nonce, ha2)

	return fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", algorithm=MD5`,
		username, realm, nonce, uri, response,
	)
}
