package catalog

import "strings"

var hostnameEnvironmentPatterns = []struct {
	cluster  string
	patterns []string
}{
	{"PRODUCTION", []string{"prod", "production"}},
	{"STAGING", []string{"staging", "stage"}},
	{"DEVELOPMENT", []string{"dev", "development"}},
	{"TESTING", []string{"test", "testing"}},
	{"LOCAL", []string{"local", "localhost"}},
}

// DeriveClusterNameFromHostname classifies hostname into an environment
// label using word-boundary matching (a match must be bounded by the string
// edge or one of '-', '_', '.'), falling back to substring markers ("uat",
// "qa", "cluster", "db-") and finally the uppercased hostname itself.
func DeriveClusterNameFromHostname(hostname string) string {
	if hostname == "" {
		return ""
	}
	lower := strings.ToLower(hostname)

	for _, group := range hostnameEnvironmentPatterns {
		if matchesWordBoundary(lower, group.patterns) {
			return group.cluster
		}
	}
	if strings.Contains(lower, "uat") {
		return "UAT"
	}
	if strings.Contains(lower, "qa") {
		return "QA"
	}
	if pos := strings.Index(lower, "cluster"); pos >= 0 {
		return strings.ToUpper(lower[pos:])
	}
	if pos := strings.Index(lower, "db-"); pos >= 0 {
		return strings.ToUpper(lower[pos:])
	}
	return strings.ToUpper(hostname)
}

func matchesWordBoundary(hostname string, patterns []string) bool {
	isBoundary := func(b byte) bool { return b == '-' || b == '_' || b == '.' }
	for _, pattern := range patterns {
		pos := strings.Index(hostname, pattern)
		if pos < 0 {
			continue
		}
		leftOK := pos == 0 || isBoundary(hostname[pos-1])
		end := pos + len(pattern)
		rightOK := end == len(hostname) || isBoundary(hostname[end])
		if leftOK && rightOK {
			return true
		}
	}
	return false
}

// ClusterNameProvider resolves a cluster label by querying the live source
// (e.g. MSSQL's SERVERPROPERTY('MachineName'), Postgres's
// pg_stat_replication). Concrete per-engine implementations require a live
// connection and are therefore registered the same way Drivers are (§1
// non-goals: specific database drivers); when none is registered,
// ResolveClusterName falls back to hostname pattern matching.
type ClusterNameProvider interface {
	Resolve(connectionString string) (string, error)
}

var (
	clusterProviderRegistry = map[DatabaseEngine]ClusterNameProvider{}
)

// RegisterClusterNameProvider installs a live-query cluster name resolver
// for engine.
func RegisterClusterNameProvider(engine DatabaseEngine, provider ClusterNameProvider) {
	clusterProviderRegistry[engine] = provider
}

// ResolveClusterName resolves connStr's cluster name: a registered
// per-engine provider is tried first, falling back to hostname pattern
// matching when absent or when it returns an empty string.
func ResolveClusterName(connStr string, engine DatabaseEngine) (string, error) {
	if connStr == "" {
		return "", nil
	}
	if provider, ok := clusterProviderRegistry[engine]; ok {
		name, err := provider.Resolve(connStr)
		if err == nil && name != "" {
			return name, nil
		}
	}
	return DeriveClusterNameFromHostname(ExtractHostname(connStr)), nil
}
