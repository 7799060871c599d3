// Package normalize contains functions to normalize usernames, domains and
// addresses before they are used as lookup keys.
package normalize

import (
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// User normalizes a username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Domain normalizes a DNS domain into a cleaned UTF-8 form.
// On error, it will also return the original domain to simplify callers.
func Domain(domain string) (string, error) {
	d, err := idna.ToUnicode(strings.ToLower(domain))
	if err != nil {
		return domain, err
	}

	return d, nil
}

// Addr normalizes an email address, applying User and Domain to their
// respective parts.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	domain, err = Domain(domain)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// DomainToUnicode converts the domain of an email address to unicode,
// leaving the user part untouched. The null address "<>" passes through.
func DomainToUnicode(addr string) (string, error) {
	if addr == "<>" {
		return addr, nil
	}
	user, domain := split(addr)

	domain, err := Domain(domain)
	return user + "@" + domain, err
}

func split(addr string) (string, string) {
	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}
