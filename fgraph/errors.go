package fgraph

import "errors"

// ErrBadConf is the coarse caller-visible failure. Every structural error
// returned by the checker wraps it, so callers that do not care about the
// exact kind can test errors.Is(err, ErrBadConf).
var ErrBadConf = errors.New("bad graph configuration")

// Sentinel errors for the structural error taxonomy. Each one also wraps
// ErrBadConf when surfaced by Check, so both the coarse and the precise
// kind are visible through errors.Is().
var (
	ErrUnknownFlowunit        = errors.New("unknown flowunit")
	ErrUnknownPort            = errors.New("unknown port")
	ErrPortFanInConflict      = errors.New("conflicting fan-in on input port")
	ErrHierarchyMismatch      = errors.New("hierarchy mismatch between inputs")
	ErrOverHierarchyLink      = errors.New("edge crosses hierarchy levels")
	ErrUncollapsedExpand      = errors.New("expand region exits without collapse")
	ErrCollapseWithoutExpand  = errors.New("collapse without matching expand")
	ErrAmbiguousCollapse      = errors.New("ambiguous collapse for expand")
	ErrConditionBranchLeak    = errors.New("condition branch escapes without join")
	ErrAmbiguousConditionJoin = errors.New("condition branches do not join at a single point")
	ErrLoopBackEdgeScope      = errors.New("loop back-edge leaves loop body")
	ErrCardinalityViolation   = errors.New("flowunit port cardinality violation")
)

// Errors reported by the raw graph builder (pre-pass, before checking).
var (
	ErrBadGraphSyntax    = errors.New("bad graph syntax")
	ErrNodeAlreadyExists = errors.New("node already exists")
	ErrNodeNotFound      = errors.New("node not found")
	ErrAlreadyRegistered = errors.New("flowunit already registered")
)
