// Package kmeresolver discovers key management authority endpoints through
// DNS SRV records, so deployments can point the manager at a service name
// instead of a fixed URL.
package kmeresolver

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// DefaultResolverAddr is the local stub resolver queried when none is
// configured.
const DefaultResolverAddr = "127.0.0.53:53"

// Resolver looks up authority endpoints via DNS SRV.
type Resolver struct {
	resolverAddr string
	client       *dns.Client
	log          *slog.Logger
}

// NewResolver creates a resolver querying resolverAddr; an empty address
// selects the local stub resolver.
func NewResolver(resolverAddr string, log *slog.Logger) *Resolver {
	if resolverAddr == "" {
		resolverAddr = DefaultResolverAddr
	}
	return &Resolver{
		resolverAddr: resolverAddr,
		client:       new(dns.Client),
		log:          log,
	}
}

// Endpoints resolves the SRV records of serviceName into http URLs, ordered
// by SRV priority. An empty answer is an error: a manager must not start
// without an authority to provision against.
func (r *Resolver) Endpoints(serviceName string) ([]string, error) {
	msg := new(dns.Msg)
	msg.Id = dns.Id()
	msg.RecursionDesired = true
	msg.SetQuestion(dns.Fqdn(serviceName), dns.TypeSRV)

	in, _, err := r.client.Exchange(msg, r.resolverAddr)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for %s failed: %w", serviceName, err)
	}

	records := make([]*dns.SRV, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no SRV records for %s", serviceName)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	endpoints := make([]string, 0, len(records))
	for _, srv := range records {
		host := strings.TrimSuffix(srv.Target, ".")
		endpoints = append(endpoints, fmt.Sprintf("http://%s:%d", host, srv.Port))
	}

	r.log.Debug("Resolved authority endpoints",
		slog.String("service", serviceName),
		slog.Int("count", len(endpoints)))
	return endpoints, nil
}
