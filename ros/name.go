package ros

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

const (
	Sep       = "/"
	GlobalNS  = "/"
	PrivateNS = "~"
	Remap     = ":="
)

// NameMap maps graph names to graph names.
type NameMap map[string]string

var validName = regexp.MustCompile(`^[~/]?([a-zA-Z]\w*/)*[a-zA-Z]\w*/?$`)

func isValidName(name string) bool {
	switch name {
	case "", GlobalNS, PrivateNS:
		return true
	}
	return validName.MatchString(name)
}

// IsValidName reports whether name is a legal ROS graph name.
func IsValidName(name string) bool {
	return isValidName(name)
}

func isGlobalName(name string) bool {
	return strings.HasPrefix(name, GlobalNS)
}

func isPrivateName(name string) bool {
	return strings.HasPrefix(name, PrivateNS)
}

// canonicalizeName removes repeated and trailing separators.
func canonicalizeName(name string) string {
	if name == GlobalNS {
		return name
	}
	var components []string
	for _, word := range strings.Split(name, Sep) {
		if len(word) > 0 {
			components = append(components, word)
		}
	}
	joined := strings.Join(components, Sep)
	if isGlobalName(name) {
		return GlobalNS + joined
	}
	return joined
}

// qualifyNodeName splits a node name such as "iiwa/joint_state_publisher" into
// its namespace ("/iiwa") and base name ("joint_state_publisher").
func qualifyNodeName(nodeName string) (string, string, error) {
	if nodeName == "" {
		return "", "", errors.New("empty node name")
	}
	if isPrivateName(nodeName) {
		return "", "", errors.Errorf("node name %q must not be private", nodeName)
	}
	if !isValidName(nodeName) {
		return "", "", errors.Errorf("invalid node name %q", nodeName)
	}
	components := strings.Split(strings.TrimPrefix(canonicalizeName(nodeName), GlobalNS), Sep)
	base := components[len(components)-1]
	namespace := GlobalNS + strings.Join(components[:len(components)-1], Sep)
	return namespace, base, nil
}

// resolveName makes name absolute relative to namespace; private names are
// resolved under namespace/nodeName.
func resolveName(name string, namespace string, nodeName string, mappings NameMap) string {
	var resolved string
	switch {
	case name == "":
		resolved = canonicalizeName(namespace)
	case isGlobalName(name):
		resolved = canonicalizeName(name)
	case isPrivateName(name):
		resolved = canonicalizeName(GlobalNS + namespace + Sep + nodeName + Sep + name[1:])
	default:
		resolved = canonicalizeName(GlobalNS + namespace + Sep + name)
	}
	if remapped, ok := mappings[resolved]; ok {
		return remapped
	}
	return resolved
}

// NameResolver resolves names in a node's namespace, applying remappings.
type NameResolver struct {
	namespace string
	nodeName  string
	mapping   NameMap
}

func newNameResolver(namespace string, nodeName string, remapping NameMap) *NameResolver {
	n := &NameResolver{
		namespace: canonicalizeName(namespace),
		nodeName:  nodeName,
		mapping:   make(NameMap),
	}
	for k, v := range remapping {
		key := resolveName(k, n.namespace, nodeName, nil)
		n.mapping[key] = resolveName(v, n.namespace, nodeName, nil)
	}
	return n
}

func (n *NameResolver) resolve(name string) string {
	return resolveName(name, n.namespace, n.nodeName, n.mapping)
}

// processArguments splits command-line style arguments into remappings
// ("from:=to"), private parameters ("_name:=value"), special keys
// ("__name:=value") and the remaining arguments.
func processArguments(args []string) (NameMap, NameMap, NameMap, []string) {
	mapping := make(NameMap)
	params := make(NameMap)
	specials := make(NameMap)
	var rest []string
	for _, arg := range args {
		components := strings.SplitN(arg, Remap, 2)
		if len(components) != 2 {
			rest = append(rest, arg)
			continue
		}
		key, value := components[0], components[1]
		switch {
		case strings.HasPrefix(key, "__"):
			specials[key] = value
		case strings.HasPrefix(key, "_"):
			params[PrivateNS+key[1:]] = value
		default:
			mapping[key] = value
		}
	}
	return mapping, params, specials, rest
}

// NewNodeNameResolver qualifies nodeName and returns its global name with a
// resolver for the names the node uses.
func NewNodeNameResolver(nodeName string, remapping NameMap) (string, *NameResolver, error) {
	namespace, base, err := qualifyNodeName(nodeName)
	if err != nil {
		return "", nil, err
	}
	return canonicalizeName(namespace + Sep + base), newNameResolver(namespace, base, remapping), nil
}

// Resolve returns the global name of name as seen by the node.
func (n *NameResolver) Resolve(name string) string {
	return n.resolve(name)
}

// ParseArguments returns the remappings and private parameters of args.
// Parameter keys keep their "~" prefix.
func ParseArguments(args []string) (remapping NameMap, params NameMap) {
	remapping, params, _, _ = processArguments(args)
	return remapping, params
}
