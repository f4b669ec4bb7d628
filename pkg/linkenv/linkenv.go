// Package linkenv implements the bit-exact encoding of inter-container
// network links into environment variables, and its inverse. A starting
// container sees four environment variables per Link; a restarting
// discovery pass must recover the original Links from a unit's observed
// environment without over- or under-counting.
package linkenv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/flotilla/pkg/types"
)

// base computes A + "_PORT_" + local_port + "_" + P, where A is the
// uppercased alias with "-" replaced by "_", and P is the uppercased
// protocol.
func base(protocol, alias string, localPort int) string {
	a := strings.ToUpper(strings.ReplaceAll(alias, "-", "_"))
	p := strings.ToUpper(protocol)
	return fmt.Sprintf("%s_PORT_%d_%s", a, localPort, p)
}

// Encode emits the four environment variables for one link, given the
// protocol it was declared with and the hostname of the node hosting the
// remote side.
func Encode(link types.Link, protocol, hostname string) []types.EnvVar {
	b := base(protocol, link.Alias, link.LocalPort)
	return []types.EnvVar{
		{Name: b, Value: fmt.Sprintf("%s://%s:%d", protocol, hostname, link.RemotePort)},
		{Name: b + "_ADDR", Value: hostname},
		{Name: b + "_PORT", Value: strconv.Itoa(link.RemotePort)},
		{Name: b + "_PROTO", Value: protocol},
	}
}

// EncodeAll encodes every link for a starting container plus its plain
// user environment, in a stable order: links first (sorted by alias then
// local port, so a given set of links always encodes identically), then
// the user environment as given.
func EncodeAll(links []types.Link, protocol, hostname string, userEnv []types.EnvVar) []types.EnvVar {
	sorted := make([]types.Link, len(links))
	copy(sorted, links)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && less(sorted[j], sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	var out []types.EnvVar
	for _, l := range sorted {
		out = append(out, Encode(l, protocol, hostname)...)
	}
	out = append(out, userEnv...)
	return out
}

func less(a, b types.Link) bool {
	if a.Alias != b.Alias {
		return a.Alias < b.Alias
	}
	return a.LocalPort < b.LocalPort
}

// Decode inverts EncodeAll: it recognizes link-encoded variables in env and
// reconstructs the original Links, returning surviving variables as the
// user environment. Each distinct link is emitted exactly once, from its
// "_PORT" suffix line; the base URL line and "_ADDR"/"_PROTO" lines are
// recognized and discarded without producing a duplicate Link.
//
// Splitting rule, applied to each variable name from the right:
//   - 4-part split "alias_PORT_<port>_TCP_PORT" (i.e. the name, stripped of
//     a trailing "_PORT", itself ends in "_PORT_<port>_TCP") carries the
//     remote port as its value: emit Link(local_port, remote_port, alias).
//   - 3-part split "alias_PORT_<port>_TCP" (the base URL line, with no
//     trailing "_PORT"/"_ADDR"/"_PROTO") contributes no Link: it is already
//     covered by the "_PORT" suffix line.
//   - The "_ADDR" and "_PROTO" lines of a link are discarded (they
//     duplicate information already carried by the "_PORT" line and are
//     not independently decoded).
//   - Anything else passes through as user environment.
func Decode(env []types.EnvVar) (links []types.Link, userEnv []types.EnvVar) {
	seen := make(map[types.Link]bool)
	for _, ev := range env {
		if l, ok := decodePortLine(ev); ok {
			if !seen[l] {
				seen[l] = true
				links = append(links, l)
			}
			continue
		}
		if isBaseURLLine(ev.Name) {
			continue
		}
		if isAddrOrProtoLine(ev.Name) {
			continue
		}
		userEnv = append(userEnv, ev)
	}
	return links, userEnv
}

// decodePortLine recognizes "<ALIAS>_PORT_<port>_<PROTO>_PORT" and decodes
// it into a Link, using the line's value as the remote port.
func decodePortLine(ev types.EnvVar) (types.Link, bool) {
	name := strings.TrimSuffix(ev.Name, "_PORT")
	if name == ev.Name {
		return types.Link{}, false // no trailing "_PORT" to strip
	}
	alias, port, proto, ok := splitBase(name)
	if !ok || proto == "" {
		return types.Link{}, false
	}
	remotePort, err := strconv.Atoi(ev.Value)
	if err != nil {
		return types.Link{}, false
	}
	return types.Link{Alias: alias, LocalPort: port, RemotePort: remotePort}, true
}

func isBaseURLLine(name string) bool {
	_, _, proto, ok := splitBase(name)
	return ok && proto != ""
}

func isAddrOrProtoLine(name string) bool {
	for _, suffix := range []string{"_ADDR", "_PROTO"} {
		if base := strings.TrimSuffix(name, suffix); base != name {
			if _, _, proto, ok := splitBase(base); ok && proto != "" {
				return true
			}
		}
	}
	return false
}

// splitBase parses "<ALIAS>_PORT_<port>_<PROTO>" from the right, returning
// the alias exactly as it appears in the name, i.e. upper-cased as encoded.
// The original case cannot be recovered, so the caller must already have
// matching-case bookkeeping — in practice aliases are stored/compared
// upper-cased, matching how they were encoded.
func splitBase(name string) (alias string, port int, proto string, ok bool) {
	parts := strings.Split(name, "_")
	if len(parts) < 4 {
		return "", 0, "", false
	}
	proto = parts[len(parts)-1]
	portStr := parts[len(parts)-2]
	marker := parts[len(parts)-3]
	if marker != "PORT" {
		return "", 0, "", false
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, "", false
	}
	alias = strings.Join(parts[:len(parts)-3], "_")
	return alias, p, proto, true
}
