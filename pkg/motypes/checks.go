package motypes

import (
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/registry"
)

var (
	ipv4Attrs  = []int{FLEDstIP, FLEDstIPPrefix, FLESrcIP, FLESrcIPPrefix}
	ipv6Attrs  = []int{FLEDstIPv6, FLEDstIPv6Prefix, FLESrcIPv6, FLESrcIPv6Prefix}
	icmpAttrs  = []int{FLEIcmpType, FLEIcmpCode, FLEIcmpv6Type, FLEIcmpv6Code}
	portAttrs  = []int{FLEL4DstPort, FLEL4DstPortEndpt, FLEL4SrcPort, FLEL4SrcPortEndpt}
	prefixPair = [][2]int{
		{FLEDstIP, FLEDstIPPrefix},
		{FLESrcIP, FLESrcIPPrefix},
		{FLEDstIPv6, FLEDstIPv6Prefix},
		{FLESrcIPv6, FLESrcIPv6Prefix},
	}
	portRange = [][2]int{
		{FLEL4DstPort, FLEL4DstPortEndpt},
		{FLEL4SrcPort, FLEL4SrcPortEndpt},
	}
	redirectAttrs = []int{VBRFFRedirectNode, VBRFFRedirectPort, VBRFFRedirectDirection, VBRFFModifyDstMac, VBRFFModifySrcMac}
)

func anyPresent(in registry.CheckInput, attrs []int) (int, bool) {
	for _, a := range attrs {
		if in.Supplied(a) {
			return a, true
		}
	}
	return -1, false
}

func syntaxError(in registry.CheckInput, format string, args ...interface{}) error {
	return engine.Errorf(engine.CodeCfgSyntax, format, args...).
		WithKey(in.Request.Key.Type, in.Request.Key.Path()).
		WithOperation(in.Operation)
}

func checkAddressFamilies(in registry.CheckInput) error {
	_, v4 := anyPresent(in, ipv4Attrs)
	_, v6 := anyPresent(in, ipv6Attrs)
	if v4 && v6 {
		return syntaxError(in, "IPv4 and IPv6 match fields are mutually exclusive")
	}
	return nil
}

// checkPrefixes treats a zero prefix length as absent: it is what a cleared
// prefix persists as and it constrains nothing.
func checkPrefixes(in registry.CheckInput) error {
	for _, p := range prefixPair {
		if in.Record.Present(p[1]) && !in.Supplied(p[0]) {
			return syntaxError(in, "prefix length given without its address")
		}
	}
	return nil
}

func checkICMPAndPorts(in registry.CheckInput) error {
	_, icmp := anyPresent(in, icmpAttrs)
	_, ports := anyPresent(in, portAttrs)
	if icmp && ports {
		return syntaxError(in, "ICMP match fields and L4 port fields are mutually exclusive")
	}
	_, v4icmp := anyPresent(in, []int{FLEIcmpType, FLEIcmpCode})
	_, v6icmp := anyPresent(in, []int{FLEIcmpv6Type, FLEIcmpv6Code})
	if v4icmp && v6icmp {
		return syntaxError(in, "ICMP and ICMPv6 match fields are mutually exclusive")
	}
	return nil
}

func checkPortRanges(in registry.CheckInput) error {
	for _, r := range portRange {
		if !in.Supplied(r[1]) {
			continue
		}
		if !in.Supplied(r[0]) {
			return syntaxError(in, "port range end given without its start")
		}
		if in.Record.Attrs[r[1]].Value.Num < in.Record.Attrs[r[0]].Value.Num {
			return syntaxError(in, "port range end %d is lower than start %d",
				in.Record.Attrs[r[1]].Value.Num, in.Record.Attrs[r[0]].Value.Num)
		}
	}
	return nil
}

func checkParentIPType(in registry.CheckInput) error {
	if in.Parent == nil || in.Parent.Main() == nil {
		return nil
	}
	ipType, _ := in.Parent.Main().Get(FlowListIPType)

	var offending []int
	switch ipType.Num {
	case IPTypeIPv6:
		offending = append(append([]int{}, ipv4Attrs...), FLEIcmpType, FLEIcmpCode)
	default:
		offending = append(append([]int{}, ipv6Attrs...), FLEIcmpv6Type, FLEIcmpv6Code)
	}
	if _, bad := anyPresent(in, offending); bad {
		return engine.Errorf(engine.CodeCfgSemantic, "match fields do not fit the address family of flow list %s", in.Parent.Key.Part(0)).
			WithKey(in.Request.Key.Type, in.Request.Key.Path()).
			WithOperation(in.Operation)
	}
	return nil
}

func checkRedirect(in registry.CheckInput) error {
	action, _ := in.Record.Get(VBRFFAction)
	if in.Record.IsValid(VBRFFAction) && action.Num == ActionRedirect {
		if !in.Supplied(VBRFFRedirectNode) || !in.Supplied(VBRFFRedirectPort) {
			return syntaxError(in, "redirect action requires redirect_node and redirect_port")
		}
		return nil
	}
	if _, set := anyPresent(in, redirectAttrs); set {
		return syntaxError(in, "redirect fields require the redirect action")
	}
	return nil
}
