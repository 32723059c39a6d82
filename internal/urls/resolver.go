// Package urls computes the public hostnames a deployment group is served
// under — the URLResolver collaborator internal/reconciler.Reconciler
// consumes, both for a workload's hostnames and for the
// RISE_APP_URL/RISE_APP_URLS env vars it injects. The control-plane API does
// not use it.
package urls

import (
	"context"
	"fmt"

	"github.com/rise-platform/rise/internal/db"
	"github.com/rise-platform/rise/internal/models"
)

// Resolver computes hostnames under one shared base domain: group "default"
// gets the project's bare subdomain, any other group gets a distinct
// subdomain suffixed with the escaped group name.
type Resolver struct {
	Projects   *db.ProjectDB
	BaseDomain string // e.g. "apps.rise.example.com"
	Scheme     string // "https" in production; "http" for local/dev
}

// New constructs a Resolver. scheme defaults to "https" when empty.
func New(projects *db.ProjectDB, baseDomain, scheme string) *Resolver {
	if scheme == "" {
		scheme = "https"
	}
	return &Resolver{Projects: projects, BaseDomain: baseDomain, Scheme: scheme}
}

// defaultHost computes the project/group's canonical hostname under
// Resolver's base domain.
func (r *Resolver) defaultHost(projectName, group string) string {
	if group == "" || group == "default" {
		return fmt.Sprintf("%s.%s", projectName, r.BaseDomain)
	}
	return fmt.Sprintf("%s--%s.%s", projectName, models.EscapeGroupLabel(group), r.BaseDomain)
}

// Hostnames implements reconciler.URLResolver: it returns the computed
// default hostname plus every verified custom domain bound to the project,
// with a verified primary domain ordered first (so callers that treat
// index 0 as canonical pick the primary domain when one is set). Custom
// domains apply only to the "default" group: RISE_APP_URL and custom
// domains track the project's canonical URL, not secondary groups, which
// always resolve to their own subdomain.
func (r *Resolver) Hostnames(ctx context.Context, projectID, projectName, group string) ([]string, string, error) {
	host := r.defaultHost(projectName, group)
	if group != "" && group != "default" {
		return []string{host}, "", nil
	}

	domains, err := r.Projects.ListCustomDomains(ctx, projectID)
	if err != nil {
		return nil, "", fmt.Errorf("list custom domains: %w", err)
	}

	hostnames := []string{host}
	var primary string
	for _, d := range domains {
		if d.VerifiedAt == nil {
			continue
		}
		if d.IsPrimary {
			primary = d.Name
			continue
		}
		hostnames = append(hostnames, d.Name)
	}
	if primary != "" {
		hostnames = append([]string{primary}, hostnames...)
	}
	return hostnames, "", nil
}

// CanonicalURL returns RISE_APP_URL: the scheme-qualified first entry of
// Hostnames (primary custom domain, or the default subdomain).
func (r *Resolver) CanonicalURL(ctx context.Context, projectID, projectName, group string) (string, error) {
	hostnames, _, err := r.Hostnames(ctx, projectID, projectName, group)
	if err != nil || len(hostnames) == 0 {
		return "", err
	}
	return r.Scheme + "://" + hostnames[0], nil
}

// AllURLs returns RISE_APP_URLS: every hostname Hostnames reports, each
// made scheme-qualified.
func (r *Resolver) AllURLs(ctx context.Context, projectID, projectName, group string) ([]string, error) {
	hostnames, _, err := r.Hostnames(ctx, projectID, projectName, group)
	if err != nil {
		return nil, err
	}
	urls := make([]string, len(hostnames))
	for i, h := range hostnames {
		urls[i] = r.Scheme + "://" + h
	}
	return urls, nil
}
