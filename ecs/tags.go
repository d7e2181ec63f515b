package ecs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/halyard-run/halyard/core"
)

// Task definitions have no native fields for the run-time configuration of
// the tasks launched from them: owning service, desired count, launch type,
// placement, network configuration, schedule. RunParams carries that
// configuration, and the codec below persists it in the task definition's
// tag set under the reserved "halyard:" key prefix so it can be recovered at
// read time. Nothing outside this file should read or write tags under the
// prefix.
//
// AWS caps tag values at 255 characters and the tag set at 50 entries, so
// list items are index-suffixed tags and an over-long item is chunked into
// dotted sub-tags that decode reassembles in index order.

const (
	// TagPrefix is the reserved namespace for codec-owned tags.
	TagPrefix = "halyard:"

	tagValueMaxLen = 255
	tagMaxCount    = 48
)

type CapacityProvider struct {
	Provider string
	Weight   int64
	Base     int64
}

type PlacementConstraint struct {
	Type       string
	Expression string
}

type PlacementStrategy struct {
	Type  string
	Field string
}

// RunParams is the run-time configuration encoded into a task definition's
// tags. LaunchType and CapacityProviders are mutually exclusive: the decoder
// relies on tag presence to recover which variant was in effect.
type RunParams struct {
	Service         string
	Cluster         string
	Command         string
	Count           int64
	Group           string
	LaunchType      string
	PlatformVersion string
	Schedule        string

	CapacityProviders    []CapacityProvider
	PlacementConstraints []PlacementConstraint
	PlacementStrategy    []PlacementStrategy

	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool
}

// EncodeTags renders p into codec-owned tags.
func (p *RunParams) EncodeTags() (map[string]string, error) {
	if p.LaunchType != "" && len(p.CapacityProviders) > 0 {
		return nil, &core.ErrSchema{Msg: "launchType and capacityProviderStrategy are mutually exclusive"}
	}

	tags := map[string]string{}
	emit := func(key, value string) {
		if value == "" {
			return
		}
		if len(value) <= tagValueMaxLen {
			tags[TagPrefix+key] = value
			return
		}
		for j := 0; len(value) > 0; j++ {
			n := tagValueMaxLen
			if n > len(value) {
				n = len(value)
			}
			tags[fmt.Sprintf("%s%s.%d", TagPrefix, key, j)] = value[:n]
			value = value[n:]
		}
	}

	emit("service", p.Service)
	emit("cluster", p.Cluster)
	emit("command", p.Command)
	if p.Count != 0 {
		emit("count", strconv.FormatInt(p.Count, 10))
	}
	emit("group", p.Group)
	emit("launchType", p.LaunchType)
	emit("platformVersion", p.PlatformVersion)
	emit("schedule", p.Schedule)

	for i, cp := range p.CapacityProviders {
		parts := []string{"provider=" + cp.Provider}
		if cp.Weight != 0 {
			parts = append(parts, "weight="+strconv.FormatInt(cp.Weight, 10))
		}
		if cp.Base != 0 {
			parts = append(parts, "base="+strconv.FormatInt(cp.Base, 10))
		}
		emit(fmt.Sprintf("strategy.%d", i), strings.Join(parts, ";"))
	}
	for i, pc := range p.PlacementConstraints {
		v := "type=" + pc.Type
		if pc.Expression != "" {
			// expression stays the final field so it can carry ; and =
			v += ";expression=" + pc.Expression
		}
		emit(fmt.Sprintf("constraint.%d", i), v)
	}
	for i, ps := range p.PlacementStrategy {
		v := "type=" + ps.Type
		if ps.Field != "" {
			v += ";field=" + ps.Field
		}
		emit(fmt.Sprintf("placement.%d", i), v)
	}
	for i, s := range p.Subnets {
		emit(fmt.Sprintf("subnet.%d", i), s)
	}
	for i, sg := range p.SecurityGroups {
		emit(fmt.Sprintf("securityGroup.%d", i), sg)
	}
	if p.AssignPublicIP {
		emit("publicIp", "true")
	}

	if len(tags) > tagMaxCount {
		return nil, &core.ErrSchema{Msg: fmt.Sprintf(
			"run parameters need %d tags but at most %d are available", len(tags), tagMaxCount,
		)}
	}
	return tags, nil
}

// DecodeRunParams recovers RunParams from a resource's tag set. Tags outside
// the codec prefix and unrecognized codec keys are ignored so that tags
// written by newer versions do not break older readers.
func DecodeRunParams(tags map[string]string) (*RunParams, error) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		if strings.HasPrefix(k, TagPrefix) {
			keys = append(keys, k)
		}
	}
	// indexed and chunked tags must be seen in ascending index order
	sort.Strings(keys)

	p := new(RunParams)
	lists := map[string]map[int]map[int]string{}
	addItem := func(field string, i, j int, value string) {
		if lists[field] == nil {
			lists[field] = map[int]map[int]string{}
		}
		if lists[field][i] == nil {
			lists[field][i] = map[int]string{}
		}
		lists[field][i][j] = value
	}
	scalarChunks := map[string]map[int]string{}

	for _, k := range keys {
		key := strings.TrimPrefix(k, TagPrefix)
		value := tags[k]
		if isScalarField(key) {
			if err := p.setScalar(key, value); err != nil {
				return nil, err
			}
			continue
		}
		field, i, j, ok := splitIndexedKey(key)
		if !ok {
			continue // unknown key, skip for forward compatibility
		}
		if isScalarField(field) {
			// a scalar whose value overflowed into chunks
			if scalarChunks[field] == nil {
				scalarChunks[field] = map[int]string{}
			}
			scalarChunks[field][i] = value
			continue
		}
		addItem(field, i, j, value)
	}

	for field, chunks := range scalarChunks {
		if err := p.setScalar(field, joinChunks(chunks)); err != nil {
			return nil, err
		}
	}

	for field, items := range lists {
		indexes := make([]int, 0, len(items))
		for i := range items {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			value := joinChunks(items[i])
			if err := p.setListItem(field, value); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func isScalarField(field string) bool {
	switch field {
	case "service", "cluster", "command", "count", "group",
		"launchType", "platformVersion", "schedule", "publicIp":
		return true
	}
	return false
}

func (p *RunParams) setScalar(field, value string) error {
	switch field {
	case "service":
		p.Service = value
	case "cluster":
		p.Cluster = value
	case "command":
		p.Command = value
	case "count":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return &core.ErrSchema{Msg: fmt.Sprintf("tag count: %q is not an integer", value)}
		}
		p.Count = n
	case "group":
		p.Group = value
	case "launchType":
		p.LaunchType = value
	case "platformVersion":
		p.PlatformVersion = value
	case "schedule":
		p.Schedule = value
	case "publicIp":
		p.AssignPublicIP = value == "true"
	}
	return nil
}

func (p *RunParams) setListItem(field, value string) error {
	switch field {
	case "strategy":
		cp := CapacityProvider{}
		for _, kv := range strings.Split(value, ";") {
			k, v, _ := strings.Cut(kv, "=")
			switch k {
			case "provider":
				cp.Provider = v
			case "weight":
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return &core.ErrSchema{Msg: fmt.Sprintf("capacity provider weight %q is not an integer", v)}
				}
				cp.Weight = n
			case "base":
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return &core.ErrSchema{Msg: fmt.Sprintf("capacity provider base %q is not an integer", v)}
				}
				cp.Base = n
			}
		}
		p.CapacityProviders = append(p.CapacityProviders, cp)
	case "constraint":
		pc := PlacementConstraint{}
		head, rest, _ := strings.Cut(value, ";")
		pc.Type = strings.TrimPrefix(head, "type=")
		if expr, ok := strings.CutPrefix(rest, "expression="); ok {
			pc.Expression = expr
		}
		p.PlacementConstraints = append(p.PlacementConstraints, pc)
	case "placement":
		ps := PlacementStrategy{}
		for _, kv := range strings.Split(value, ";") {
			k, v, _ := strings.Cut(kv, "=")
			switch k {
			case "type":
				ps.Type = v
			case "field":
				ps.Field = v
			}
		}
		p.PlacementStrategy = append(p.PlacementStrategy, ps)
	case "subnet":
		p.Subnets = append(p.Subnets, value)
	case "securityGroup":
		p.SecurityGroups = append(p.SecurityGroups, value)
	}
	// unknown list fields are ignored, same as unknown scalar keys
	return nil
}

// splitIndexedKey parses "field.i" and "field.i.j" keys. j is -1 for
// unchunked values.
func splitIndexedKey(key string) (field string, i, j int, ok bool) {
	parts := strings.Split(key, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return "", 0, 0, false
	}
	i64, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, 0, false
	}
	j = -1
	if len(parts) == 3 {
		j, err = strconv.Atoi(parts[2])
		if err != nil {
			return "", 0, 0, false
		}
	}
	return parts[0], i64, j, true
}

func joinChunks(chunks map[int]string) string {
	if v, ok := chunks[-1]; ok {
		return v
	}
	order := make([]int, 0, len(chunks))
	for j := range chunks {
		order = append(order, j)
	}
	sort.Ints(order)
	var b strings.Builder
	for _, j := range order {
		b.WriteString(chunks[j])
	}
	return b.String()
}
