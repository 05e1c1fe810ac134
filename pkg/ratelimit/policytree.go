package ratelimit

import "strings"

// DomainLimit pairs a DNS name with a queries-per-second limit, used for
// both exact-match and subtree ("below") policy entries.
type DomainLimit struct {
	Name  string
	Limit int
}

const noLimit = -1

type policyNode struct {
	parent     int
	children   map[string]int
	exactLimit int
	belowLimit int
}

// DomainLimitTree is a longest-prefix-match tree over DNS names, built
// once from configuration and read-only thereafter. Nodes are held in a
// flat slice with parent back-references (rather than pointer-linked) so
// ancestor walks don't need shared node ownership.
type DomainLimitTree struct {
	nodes []policyNode
}

// NewDomainLimitTree builds a tree from exact-match (forDomain) and
// subtree (belowDomain) policy entries.
func NewDomainLimitTree(forDomain, belowDomain []DomainLimit) *DomainLimitTree {
	t := &DomainLimitTree{
		nodes: []policyNode{newPolicyNode(-1)},
	}
	for _, dl := range forDomain {
		idx := t.ensurePath(dl.Name)
		t.nodes[idx].exactLimit = dl.Limit
	}
	for _, dl := range belowDomain {
		idx := t.ensurePath(dl.Name)
		t.nodes[idx].belowLimit = dl.Limit
	}
	return t
}

func newPolicyNode(parent int) policyNode {
	return policyNode{
		parent:     parent,
		children:   make(map[string]int),
		exactLimit: noLimit,
		belowLimit: noLimit,
	}
}

// ensurePath walks root-to-leaf (in superdomain-to-subdomain order),
// creating missing nodes, and returns the index of name's node.
func (t *DomainLimitTree) ensurePath(name string) int {
	idx := 0
	for _, label := range labelsRootFirst(name) {
		next, ok := t.nodes[idx].children[label]
		if !ok {
			next = len(t.nodes)
			t.nodes = append(t.nodes, newPolicyNode(idx))
			t.nodes[idx].children[label] = next
		}
		idx = next
	}
	return idx
}

// FindRateLimit implements find_ratelimit: the longest exact match wins;
// failing that, the nearest ancestor with a below-domain limit; failing
// that, the global default.
func (t *DomainLimitTree) FindRateLimit(name string, globalDefault int) int {
	labels := labelsRootFirst(name)

	idx := 0
	consumed := 0
	for _, label := range labels {
		next, ok := t.nodes[idx].children[label]
		if !ok {
			break
		}
		idx = next
		consumed++
	}

	if consumed == len(labels) && t.nodes[idx].exactLimit != noLimit {
		return t.nodes[idx].exactLimit
	}

	// A below-domain limit applies only to descendants, so an exactly
	// matched node's own below limit is skipped.
	start := idx
	if consumed == len(labels) {
		start = t.nodes[idx].parent
	}
	for i := start; i != -1; i = t.nodes[i].parent {
		if t.nodes[i].belowLimit != noLimit {
			return t.nodes[i].belowLimit
		}
	}

	return globalDefault
}

// labelsRootFirst splits a dotted presentation-form DNS name into
// its labels ordered from the root down (TLD first), lowercased, so that
// walking the slice in order descends the naming hierarchy.
func labelsRootFirst(name string) []string {
	trimmed := strings.ToLower(strings.TrimSuffix(name, "."))
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}
