// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package apresolve looks up access point addresses.
package apresolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/psstgo/psst/core/utils"
)

const (
	// DefaultURL is the production resolver.
	DefaultURL = "http://apresolve.spotify.com"

	// Fallback is used whenever resolving fails.
	Fallback = "ap.spotify.com:443"

	connectTimeout = 4 * time.Second
	ioTimeout      = 16 * time.Second
	maxBodySize    = 64 * 1024
)

var errEmptyList = errors.New("apresolve: empty access point list")

type response struct {
	APList []string `json:"ap_list"`
}

// Resolver queries an apresolve endpoint.
type Resolver struct {
	URL      string
	Fallback string
	Client   *http.Client

	log *logging.Logger
}

// New returns a resolver for url, DefaultURL if empty, sending requests
// through dialFn if not nil.
func New(url string, dialFn func(ctx context.Context, network, addr string) (net.Conn, error), log *logging.Logger) *Resolver {
	if url == "" {
		url = DefaultURL
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	if dialFn != nil {
		transport.DialContext = dialFn
	}
	return &Resolver{
		URL:      url,
		Fallback: Fallback,
		Client: &http.Client{
			Transport: transport,
			Timeout:   ioTimeout,
		},
		log: log,
	}
}

// Lookup returns the advertised access points.
func (r *Resolver) Lookup(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("apresolve: unexpected status %v", resp.Status)
	}

	var body response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&body); err != nil {
		return nil, fmt.Errorf("apresolve: malformed response: %w", err)
	}
	aps := body.APList[:0]
	for _, ap := range body.APList {
		if err := utils.EnsureHostPort(ap); err != nil {
			r.log.Debugf("Ignoring access point %q: %v", ap, err)
			continue
		}
		aps = append(aps, ap)
	}
	if len(aps) == 0 {
		return nil, errEmptyList
	}
	return aps, nil
}

// Resolve returns the first advertised access point, or the fallback if the
// lookup fails for any reason.
func (r *Resolver) Resolve(ctx context.Context) string {
	aps, err := r.Lookup(ctx)
	if err != nil {
		r.log.Warningf("Failed to resolve access point, using %v: %v", r.Fallback, err)
		return r.Fallback
	}
	r.log.Debugf("Resolved access points: %v", aps)
	return aps[0]
}
