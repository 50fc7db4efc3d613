package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// Server products recognized in the agent string.
const (
	ProductNeo4j    = "Neo4j"
	ProductMemgraph = "Memgraph"
)

// ServerVersion is the product and version reported by the connected server.
type ServerVersion struct {
	Product string
	Major   int
	Minor   int
	Patch   int
}

// ParseAgent parses agent strings such as "Neo4j/5.13.0" or
// "Memgraph/2.10.1". Unparseable components stay zero.
func ParseAgent(agent string) ServerVersion {
	product, version, _ := strings.Cut(strings.TrimSpace(agent), "/")
	v := ServerVersion{Product: product}

	parts := strings.SplitN(version, ".", 3)
	nums := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, p := range parts {
		// strip suffixes like "-aura" or "-rc1"
		if j := strings.IndexFunc(p, func(r rune) bool { return r < '0' || r > '9' }); j >= 0 {
			p = p[:j]
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			break
		}
		*nums[i] = n
	}
	return v
}

// IsMemgraph reports whether the server is Memgraph.
func (v ServerVersion) IsMemgraph() bool {
	return strings.EqualFold(v.Product, ProductMemgraph)
}

// AtLeast compares the major and minor version.
func (v ServerVersion) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

func (v ServerVersion) String() string {
	if v.Product == "" {
		return "unknown"
	}
	return fmt.Sprintf("%s/%d.%d.%d", v.Product, v.Major, v.Minor, v.Patch)
}

// supportsStreaming reports whether the native streaming executor can be used.
func (v ServerVersion) supportsStreaming() bool {
	return !v.IsMemgraph() && v.AtLeast(4, 0)
}

// supportsSchemaIndexes reports whether SHOW INDEXES and named index DDL exist.
func (v ServerVersion) supportsSchemaIndexes() bool {
	return !v.IsMemgraph() && v.AtLeast(4, 3)
}

// Feature names a server capability callers can branch on.
type Feature string

// Known features.
const (
	FeatureLargeStringIndexing    Feature = "large_string_indexing"
	FeatureQueryLanguage          Feature = "query_language"
	FeatureSpatialQueries         Feature = "spatial_queries"
	FeatureAuthenticationRequired Feature = "authentication_required"
)

var cypherMimeTypes = map[string]bool{
	"application/x-cypher-query": true,
	"application/cypher":         true,
	"application/x-cypher":       true,
	"text/cypher":                true,
}

func (v ServerVersion) supports(feature Feature, params ...string) bool {
	switch feature {
	case FeatureLargeStringIndexing:
		return false
	case FeatureQueryLanguage:
		if len(params) == 0 {
			return false
		}
		return cypherMimeTypes[strings.ToLower(strings.TrimSpace(params[0]))]
	case FeatureSpatialQueries:
		return !v.IsMemgraph()
	case FeatureAuthenticationRequired:
		return true
	default:
		return false
	}
}
