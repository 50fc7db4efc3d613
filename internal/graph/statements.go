package graph

import (
	"fmt"
	"regexp"
	"strings"
)

// identPattern restricts labels, relationship types and property names that
// are spliced into statement text. Values are always passed as parameters.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name can be used as a label, type or key.
func ValidIdentifier(name string) bool {
	return identPattern.MatchString(name)
}

func quote(name string) (string, error) {
	if !ValidIdentifier(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return "`" + name + "`", nil
}

// labelExpr renders ":`A`:`B`" for the given labels, appending the tenant
// label when one is configured.
func labelExpr(labels []string, tenant string) (string, error) {
	var sb strings.Builder
	seen := make(map[string]bool, len(labels)+1)
	all := labels
	if tenant != "" {
		all = append(append([]string(nil), labels...), tenant)
	}
	for _, l := range all {
		if seen[l] {
			continue
		}
		seen[l] = true
		q, err := quote(l)
		if err != nil {
			return "", err
		}
		sb.WriteString(":")
		sb.WriteString(q)
	}
	return sb.String(), nil
}

// Direction selects which relationships of a node are traversed.
type Direction string

// Relationship directions.
const (
	Outgoing Direction = "out"
	Incoming Direction = "in"
	Both     Direction = "both"
)

func (d Direction) pattern(relType string) (string, error) {
	rel := "[r]"
	if relType != "" {
		q, err := quote(relType)
		if err != nil {
			return "", err
		}
		rel = "[r:" + q + "]"
	}
	switch d {
	case Outgoing:
		return "(n)-" + rel + "->()", nil
	case Incoming:
		return "(n)<-" + rel + "-()", nil
	case Both, "":
		return "(n)-" + rel + "-()", nil
	default:
		return "", fmt.Errorf("invalid direction %q", d)
	}
}

const (
	stmtRelationshipByID    = "MATCH ()-[r]->() WHERE id(r) = $id RETURN r"
	stmtSetNodeProps        = "MATCH (n) WHERE id(n) = $id SET n += $props"
	stmtSetRelProps         = "MATCH ()-[r]->() WHERE id(r) = $id SET r += $props"
	stmtDeleteNode          = "MATCH (n) WHERE id(n) = $id OPTIONAL MATCH (n)-[r]-() WITH n, collect(id(r)) AS rels DETACH DELETE n RETURN rels"
	stmtDeleteRelationship  = "MATCH ()-[r]->() WHERE id(r) = $id WITH r, id(r) AS rid DELETE r RETURN rid"
	stmtCountRelationships  = "MATCH ()-[r]->() RETURN count(r) AS c"
	stmtAllRelationships    = "MATCH ()-[r]->() RETURN r"
	stmtChangeInitialSecret = "ALTER CURRENT USER SET PASSWORD FROM $old TO $new"
)

func nodeByIDStatement(tenant string) (string, error) {
	expr, err := labelExpr(nil, tenant)
	if err != nil {
		return "", err
	}
	return "MATCH (n" + expr + ") WHERE id(n) = $id RETURN n", nil
}

func createNodeStatement(labels []string, tenant string) (string, error) {
	expr, err := labelExpr(labels, tenant)
	if err != nil {
		return "", err
	}
	return "CREATE (n" + expr + ") SET n = $props RETURN n", nil
}

func createRelationshipStatement(relType string) (string, error) {
	q, err := quote(relType)
	if err != nil {
		return "", err
	}
	return "MATCH (a), (b) WHERE id(a) = $from AND id(b) = $to CREATE (a)-[r:" + q + "]->(b) SET r = $props RETURN r", nil
}

func createOwnedNodeStatement(labels []string, tenant, ownsType, securityType string) (string, error) {
	expr, err := labelExpr(labels, tenant)
	if err != nil {
		return "", err
	}
	owns, err := quote(ownsType)
	if err != nil {
		return "", err
	}
	sec, err := quote(securityType)
	if err != nil {
		return "", err
	}
	return "MATCH (u) WHERE id(u) = $owner " +
		"CREATE (u)-[o:" + owns + "]->(n" + expr + ") " +
		"CREATE (u)-[s:" + sec + "]->(n) " +
		"SET n = $props, o = $ownsProps, s = $securityProps " +
		"RETURN n, o, s", nil
}

func relationshipsStatement(dir Direction, relType string) (string, error) {
	p, err := dir.pattern(relType)
	if err != nil {
		return "", err
	}
	return "MATCH " + p + " WHERE id(n) = $id RETURN r", nil
}

func nodesStatement(label, tenant string) (string, error) {
	var labels []string
	if label != "" {
		labels = []string{label}
	}
	expr, err := labelExpr(labels, tenant)
	if err != nil {
		return "", err
	}
	return "MATCH (n" + expr + ") RETURN n", nil
}

func nodesByTypeStatement(tenant string) (string, error) {
	expr, err := labelExpr(nil, tenant)
	if err != nil {
		return "", err
	}
	return "MATCH (n" + expr + ") WHERE n.type = $type RETURN n", nil
}

func relationshipsByTypeStatement(relType string) (string, error) {
	q, err := quote(relType)
	if err != nil {
		return "", err
	}
	return "MATCH ()-[r:" + q + "]->() RETURN r", nil
}

func deleteNodesStatement(label, tenant string) (string, error) {
	var labels []string
	if label != "" {
		labels = []string{label}
	}
	expr, err := labelExpr(labels, tenant)
	if err != nil {
		return "", err
	}
	return "MATCH (n" + expr + ") DETACH DELETE n", nil
}

func countNodesStatement(tenant string) (string, error) {
	expr, err := labelExpr(nil, tenant)
	if err != nil {
		return "", err
	}
	return "MATCH (n" + expr + ") RETURN count(n) AS c", nil
}

// sensitiveParam names the parameter whose values never reach the query log.
const sensitiveParam = "extractedContent"
