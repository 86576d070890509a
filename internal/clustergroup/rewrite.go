// Copyright 2025 James Ross
package clustergroup

import "net/url"

// RewriteNextURI rewrites a backend-issued next_uri/info_uri/partial_cancel_uri
// to point at newBase, preserving the path and query exactly as the
// backend wrote them. Used in proxy-all mode to redirect the client back
// through the load balancer, and in proxy-first mode to redirect straight
// at the chosen backend regardless of what host the backend itself wrote.
func RewriteNextURI(rawURI, newBase string) (string, error) {
	if rawURI == "" {
		return "", nil
	}
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", err
	}
	base, err := url.Parse(newBase)
	if err != nil {
		return "", err
	}
	u.Scheme = base.Scheme
	u.Host = base.Host
	return u.String(), nil
}
