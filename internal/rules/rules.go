// Package rules compiles module-matching rules into a RuleSet and evaluates
// them against resolved resources to produce loader lists and module
// settings.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/bundler/internal/config"
)

// EffectKind enumerates what a matched rule contributes.
type EffectKind string

const (
	EffectType      EffectKind = "type"
	EffectUse       EffectKind = "use"
	EffectUsePre    EffectKind = "use-pre"
	EffectUsePost   EffectKind = "use-post"
	EffectParser    EffectKind = "parser"
	EffectGenerator EffectKind = "generator"
	EffectResolve   EffectKind = "resolve"
	EffectLayer     EffectKind = "layer"
)

// UseItem is one loader application produced by rule evaluation.
type UseItem struct {
	Loader  string
	Options map[string]any
	Ident   string
}

// Effect is one contribution of a matched rule.
type Effect struct {
	Kind  EffectKind
	Value any
}

// MatchData is what rule conditions are evaluated against.
type MatchData struct {
	Resource         string
	ResourceQuery    string
	ResourceFragment string
	Mimetype         string
	Issuer           string
	IssuerLayer      string
	DependencyType   string
}

type condition func(data *MatchData) bool

type compiledRule struct {
	conditions []condition
	effects    []Effect
}

// RuleSet is the compiled form of a rule list plus the ident reference table
// loaders can point into.
type RuleSet struct {
	rules      []compiledRule
	references map[string]map[string]any
}

// Compile turns rule configs into a RuleSet. Invalid patterns fail
// compilation rather than being silently skipped at match time.
func Compile(configs []config.RuleConfig) (*RuleSet, error) {
	rs := &RuleSet{references: make(map[string]map[string]any)}
	for i, rc := range configs {
		rule, err := compileRule(rc, rs.references)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rs.rules = append(rs.rules, rule)
	}
	return rs, nil
}

func compileRule(rc config.RuleConfig, references map[string]map[string]any) (compiledRule, error) {
	var rule compiledRule

	addRegexp := func(pattern string, pick func(*MatchData) string) error {
		if pattern == "" {
			return nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		rule.conditions = append(rule.conditions, func(d *MatchData) bool {
			return re.MatchString(pick(d))
		})
		return nil
	}

	if err := addRegexp(rc.Test, func(d *MatchData) string { return d.Resource }); err != nil {
		return rule, err
	}
	if err := addRegexp(rc.Resource, func(d *MatchData) string { return d.Resource }); err != nil {
		return rule, err
	}
	if err := addRegexp(rc.ResourceQuery, func(d *MatchData) string { return d.ResourceQuery }); err != nil {
		return rule, err
	}
	if err := addRegexp(rc.Mimetype, func(d *MatchData) string { return d.Mimetype }); err != nil {
		return rule, err
	}
	if err := addRegexp(rc.Issuer, func(d *MatchData) string { return d.Issuer }); err != nil {
		return rule, err
	}
	if len(rc.Include) > 0 {
		include := append([]string(nil), rc.Include...)
		rule.conditions = append(rule.conditions, func(d *MatchData) bool {
			for _, prefix := range include {
				if strings.HasPrefix(d.Resource, prefix) {
					return true
				}
			}
			return false
		})
	}
	if len(rc.Exclude) > 0 {
		exclude := append([]string(nil), rc.Exclude...)
		rule.conditions = append(rule.conditions, func(d *MatchData) bool {
			for _, prefix := range exclude {
				if strings.HasPrefix(d.Resource, prefix) {
					return false
				}
			}
			return true
		})
	}
	if rc.DependencyType != "" {
		want := rc.DependencyType
		rule.conditions = append(rule.conditions, func(d *MatchData) bool {
			return d.DependencyType == want
		})
	}
	if rc.IssuerLayer != "" {
		want := rc.IssuerLayer
		rule.conditions = append(rule.conditions, func(d *MatchData) bool {
			return d.IssuerLayer == want
		})
	}

	if rc.Type != "" {
		rule.effects = append(rule.effects, Effect{Kind: EffectType, Value: rc.Type})
	}
	if rc.Layer != "" {
		rule.effects = append(rule.effects, Effect{Kind: EffectLayer, Value: rc.Layer})
	}
	if len(rc.Parser) > 0 {
		rule.effects = append(rule.effects, Effect{Kind: EffectParser, Value: rc.Parser})
	}
	if len(rc.Generator) > 0 {
		rule.effects = append(rule.effects, Effect{Kind: EffectGenerator, Value: rc.Generator})
	}
	if rc.Resolve != nil {
		rule.effects = append(rule.effects, Effect{Kind: EffectResolve, Value: rc.Resolve})
	}

	useKind := EffectUse
	switch rc.Enforce {
	case "pre":
		useKind = EffectUsePre
	case "post":
		useKind = EffectUsePost
	case "":
	default:
		return rule, fmt.Errorf("invalid enforce %q", rc.Enforce)
	}
	for _, use := range rc.Use {
		if use.Loader == "" {
			return rule, fmt.Errorf("use entry without loader")
		}
		item := UseItem{Loader: use.Loader, Options: use.Options, Ident: use.Ident}
		if use.Ident != "" {
			if _, exists := references[use.Ident]; exists {
				return rule, fmt.Errorf("duplicate loader ident %q", use.Ident)
			}
			references[use.Ident] = use.Options
		}
		rule.effects = append(rule.effects, Effect{Kind: useKind, Value: item})
	}

	return rule, nil
}

// Exec evaluates all rules against data and returns the matching rules'
// effects in rule order.
func (rs *RuleSet) Exec(data *MatchData) []Effect {
	var effects []Effect
	for _, rule := range rs.rules {
		matched := true
		for _, cond := range rule.conditions {
			if !cond(data) {
				matched = false
				break
			}
		}
		if matched {
			effects = append(effects, rule.effects...)
		}
	}
	return effects
}

// References resolves a loader options ident recorded during compilation.
func (rs *RuleSet) References(ident string) (map[string]any, bool) {
	opts, ok := rs.references[ident]
	return opts, ok
}
