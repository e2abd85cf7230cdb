// Package motypes registers the managed-object types of the virtual network
// model: tenants, virtual nodes, flow lists and flow filters.
package motypes

import (
	"fmt"

	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/registry"
)

// Key types.
const (
	VTN                engine.KeyType = "vtn"
	VBridge            engine.KeyType = "vbridge"
	VRouter            engine.KeyType = "vrouter"
	VTerminal          engine.KeyType = "vterminal"
	FlowList           engine.KeyType = "flowlist"
	FlowListEntry      engine.KeyType = "flowlist_entry"
	VTNFlowFilterEntry engine.KeyType = "vtn_flowfilter_entry"
	VBRFlowFilterEntry engine.KeyType = "vbr_flowfilter_entry"
)

// Vnodes lists the virtual node types in redirect probe order.
var Vnodes = []engine.KeyType{VBridge, VRouter, VTerminal}

// vtn attributes.
const (
	VTNDescription = iota
)

// vbridge, vrouter and vterminal attributes.
const (
	VnodeControllerID = iota
	VnodeDomainID
	VnodeDescription
)

// flowlist attributes.
const (
	FlowListIPType = iota
)

// Address families of a flow list.
const (
	IPTypeIPv4 uint64 = 0
	IPTypeIPv6 uint64 = 1
)

// flowlist_entry attributes.
const (
	FLEMacDst = iota
	FLEMacSrc
	FLEMacEthType
	FLEDstIP
	FLEDstIPPrefix
	FLESrcIP
	FLESrcIPPrefix
	FLEVlanPriority
	FLEDstIPv6
	FLEDstIPv6Prefix
	FLESrcIPv6
	FLESrcIPv6Prefix
	FLEIPProto
	FLEIPDscp
	FLEL4DstPort
	FLEL4DstPortEndpt
	FLEL4SrcPort
	FLEL4SrcPortEndpt
	FLEIcmpType
	FLEIcmpCode
	FLEIcmpv6Type
	FLEIcmpv6Code
)

// vtn_flowfilter_entry attributes.
const (
	VTNFFFlowListName = iota
	VTNFFAction
	VTNFFDscp
	VTNFFPriority
)

// vbr_flowfilter_entry attributes.
const (
	VBRFFFlowListName = iota
	VBRFFAction
	VBRFFRedirectNode
	VBRFFRedirectPort
	VBRFFRedirectDirection
	VBRFFModifyDstMac
	VBRFFModifySrcMac
	VBRFFDscp
	VBRFFPriority
)

// Flow filter actions.
const (
	ActionPass     uint64 = 0
	ActionDrop     uint64 = 1
	ActionRedirect uint64 = 2
)

const nameTag = "unc_name"

func nameField(name string, width int) registry.KeyField {
	return registry.KeyField{Name: name, Kind: keyval.KindString, Tag: nameTag, Width: width}
}

var (
	vtnKey       = nameField("vtn_name", 31)
	flowListKey  = nameField("flowlist_name", 32)
	sequenceKey  = registry.KeyField{Name: "sequence_num", Kind: keyval.KindUint16, Min: 1, Max: 65535}
	directionKey = registry.KeyField{Name: "direction", Kind: keyval.KindString, Enum: []string{"in", "out"}}
)

func descriptionAttr() registry.AttrDef {
	return registry.AttrDef{Name: "description", Kind: keyval.KindString, Tag: "printascii", Width: 127}
}

func vnodeType(kt engine.KeyType, keyName string) *registry.MOType {
	return &registry.MOType{
		KeyType: kt,
		Parent:  VTN,
		Keys:    []registry.KeyField{vtnKey, nameField(keyName, 31)},
		Attrs: []registry.AttrDef{
			{Name: "controller_id", Kind: keyval.KindString, Tag: nameTag, Width: 31, Required: true, Immutable: true},
			{Name: "domain_id", Kind: keyval.KindString, Tag: "printascii", Width: 31, Required: true, Immutable: true},
			descriptionAttr(),
		},
		Renameable: true,
		RenameFlag: keyval.FlagVnodeRenamed,
		Owner:      VnodeOwner,
	}
}

func flowListEntryType() *registry.MOType {
	mac := func(name string) registry.AttrDef {
		return registry.AttrDef{Name: name, Kind: keyval.KindMAC, Tag: "mac"}
	}
	u := func(name string, kind keyval.Kind, min, max uint64) registry.AttrDef {
		return registry.AttrDef{Name: name, Kind: kind, Min: min, Max: max}
	}
	return &registry.MOType{
		KeyType: FlowListEntry,
		Parent:  FlowList,
		Global:  true,
		Keys:    []registry.KeyField{flowListKey, sequenceKey},
		Attrs: []registry.AttrDef{
			FLEMacDst:         mac("mac_dst"),
			FLEMacSrc:         mac("mac_src"),
			FLEMacEthType:     u("mac_eth_type", keyval.KindUint16, 0, 0),
			FLEDstIP:          {Name: "dst_ip", Kind: keyval.KindIPv4},
			FLEDstIPPrefix:    u("dst_ip_prefix", keyval.KindUint8, 1, 32),
			FLESrcIP:          {Name: "src_ip", Kind: keyval.KindIPv4},
			FLESrcIPPrefix:    u("src_ip_prefix", keyval.KindUint8, 1, 32),
			FLEVlanPriority:   u("vlan_priority", keyval.KindUint8, 0, 7),
			FLEDstIPv6:        {Name: "dst_ipv6", Kind: keyval.KindIPv6},
			FLEDstIPv6Prefix:  u("dst_ipv6_prefix", keyval.KindUint8, 1, 128),
			FLESrcIPv6:        {Name: "src_ipv6", Kind: keyval.KindIPv6},
			FLESrcIPv6Prefix:  u("src_ipv6_prefix", keyval.KindUint8, 1, 128),
			FLEIPProto:        u("ip_proto", keyval.KindUint8, 1, 255),
			FLEIPDscp:         u("ip_dscp", keyval.KindUint8, 0, 63),
			FLEL4DstPort:      u("l4_dst_port", keyval.KindUint16, 0, 0),
			FLEL4DstPortEndpt: u("l4_dst_port_endpt", keyval.KindUint16, 1, 0),
			FLEL4SrcPort:      u("l4_src_port", keyval.KindUint16, 0, 0),
			FLEL4SrcPortEndpt: u("l4_src_port_endpt", keyval.KindUint16, 1, 0),
			FLEIcmpType:       u("icmp_type", keyval.KindUint8, 0, 0),
			FLEIcmpCode:       u("icmp_code", keyval.KindUint8, 0, 0),
			FLEIcmpv6Type:     u("icmpv6_type", keyval.KindUint8, 0, 0),
			FLEIcmpv6Code:     u("icmpv6_code", keyval.KindUint8, 0, 0),
		},
		ControllerTable: true,
		Checks: []registry.Check{
			checkAddressFamilies,
			checkPrefixes,
			checkICMPAndPorts,
			checkPortRanges,
			checkParentIPType,
		},
		Placement: FlowListEntryPlacement,
	}
}

func flowListRef(attr int) registry.Reference {
	return registry.Reference{
		Attr:   attr,
		Target: FlowList,
		Key: func(env *keyval.Envelope) (keyval.Key, bool) {
			rec := env.Main()
			if rec == nil || !rec.Present(attr) {
				return keyval.Key{}, false
			}
			return keyval.NewKey(FlowList, rec.Attrs[attr].Value.Str), true
		},
	}
}

func flowListNameRef(attr int) registry.NameRef {
	return registry.NameRef{
		Attr:    attr,
		Targets: []engine.KeyType{FlowList},
		Flag:    keyval.FlagFlowListRenamed,
	}
}

// Types returns fresh descriptors for every managed-object type, parents first.
func Types() []*registry.MOType {
	return []*registry.MOType{
		{
			KeyType:         VTN,
			Keys:            []registry.KeyField{vtnKey},
			Attrs:           []registry.AttrDef{VTNDescription: descriptionAttr()},
			ControllerTable: true,
			Renameable:      true,
			RenameFlag:      keyval.FlagTenantRenamed,
			Placement:       VTNPlacement,
		},
		vnodeType(VBridge, "vbr_name"),
		vnodeType(VRouter, "vrt_name"),
		vnodeType(VTerminal, "vterminal_name"),
		{
			KeyType: FlowList,
			Global:  true,
			Keys:    []registry.KeyField{flowListKey},
			Attrs: []registry.AttrDef{
				FlowListIPType: {Name: "ip_type", Kind: keyval.KindUint8, Enum: []uint64{IPTypeIPv4, IPTypeIPv6}, Immutable: true},
			},
			ControllerTable: true,
			Renameable:      true,
			RenameFlag:      keyval.FlagFlowListRenamed,
			Placement:       FlowListPlacement,
		},
		flowListEntryType(),
		{
			KeyType: VTNFlowFilterEntry,
			Parent:  VTN,
			Keys:    []registry.KeyField{vtnKey, directionKey, sequenceKey},
			Attrs: []registry.AttrDef{
				VTNFFFlowListName: {Name: "flowlist_name", Kind: keyval.KindString, Tag: nameTag, Width: 32},
				VTNFFAction:       {Name: "action", Kind: keyval.KindUint8, Enum: []uint64{ActionPass, ActionDrop}},
				VTNFFDscp:         {Name: "dscp", Kind: keyval.KindUint8, Max: 63},
				VTNFFPriority:     {Name: "priority", Kind: keyval.KindUint8, Max: 7},
			},
			ControllerTable: true,
			References:      []registry.Reference{flowListRef(VTNFFFlowListName)},
			NameRefs:        []registry.NameRef{flowListNameRef(VTNFFFlowListName)},
			Placement:       VTNFlowFilterPlacement,
		},
		{
			KeyType: VBRFlowFilterEntry,
			Parent:  VBridge,
			Keys:    []registry.KeyField{vtnKey, nameField("vbr_name", 31), directionKey, sequenceKey},
			Attrs: []registry.AttrDef{
				VBRFFFlowListName:      {Name: "flowlist_name", Kind: keyval.KindString, Tag: nameTag, Width: 32},
				VBRFFAction:            {Name: "action", Kind: keyval.KindUint8, Enum: []uint64{ActionPass, ActionDrop, ActionRedirect}},
				VBRFFRedirectNode:      {Name: "redirect_node", Kind: keyval.KindString, Tag: nameTag, Width: 31},
				VBRFFRedirectPort:      {Name: "redirect_port", Kind: keyval.KindString, Tag: "printascii", Width: 31},
				VBRFFRedirectDirection: {Name: "redirect_direction", Kind: keyval.KindUint8, Max: 1},
				VBRFFModifyDstMac:      {Name: "modify_dst_mac", Kind: keyval.KindMAC, Tag: "mac"},
				VBRFFModifySrcMac:      {Name: "modify_src_mac", Kind: keyval.KindMAC, Tag: "mac"},
				VBRFFDscp:              {Name: "dscp", Kind: keyval.KindUint8, Max: 63},
				VBRFFPriority:          {Name: "priority", Kind: keyval.KindUint8, Max: 7},
			},
			References: []registry.Reference{flowListRef(VBRFFFlowListName)},
			NameRefs: []registry.NameRef{
				flowListNameRef(VBRFFFlowListName),
				{
					Attr:    VBRFFRedirectNode,
					Targets: Vnodes,
					Scoped:  true,
					Flag:    keyval.FlagRedirectRenamed,
				},
			},
			Checks: []registry.Check{checkRedirect},
			Owner:  VBRFlowFilterOwner,
		},
	}
}

// Default returns a registry holding every managed-object type.
func Default() (*registry.Registry, error) {
	reg := registry.New()
	for _, mt := range Types() {
		if err := reg.Register(mt); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", mt.KeyType, err)
		}
	}
	if _, err := reg.CommitOrder(); err != nil {
		return nil, err
	}
	return reg, nil
}
