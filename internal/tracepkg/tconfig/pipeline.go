package tconfig

// Pipeline is one of the three optimization-bundle presets named in
// spec.md §4.11. A supplemented feature (config_templates.py in
// original_source/) -- the distilled spec only names the method ordering,
// not that user-facing configs select a named bundle.
type Pipeline int

const (
	// NoPipeline runs no optimization methods; probes are exactly what
	// strategy extraction and user overrides produced.
	NoPipeline Pipeline = iota
	// PipelineBasic = CG-Shaping + Dynamic-Baseline.
	PipelineBasic
	// PipelineAdvanced = Diff-Tracing + CG-Shaping + Dynamic-Baseline + Dynamic-Sampling.
	PipelineAdvanced
	// PipelineFull = Advanced + Baseline-Static + Dynamic-Probing.
	PipelineFull
)

func ParsePipeline(s string) Pipeline {
	switch s {
	case "basic":
		return PipelineBasic
	case "advanced":
		return PipelineAdvanced
	case "full":
		return PipelineFull
	default:
		return NoPipeline
	}
}

func (p Pipeline) String() string {
	switch p {
	case PipelineBasic:
		return "basic"
	case PipelineAdvanced:
		return "advanced"
	case PipelineFull:
		return "full"
	default:
		return "none"
	}
}

// Methods reports which optimization methods a pipeline bundles, in the
// fixed execution order from spec.md §4.11: "Diff-Tracing → CG-Shaping →
// Baseline-Static → Baseline-Dynamic → Dynamic-Sampling → Dynamic-Probing".
func (p Pipeline) Methods() Methods {
	switch p {
	case PipelineBasic:
		return Methods{CGShaping: true, BaselineDynamic: true}
	case PipelineAdvanced:
		return Methods{DiffTracing: true, CGShaping: true, BaselineDynamic: true, DynamicSampling: true}
	case PipelineFull:
		return Methods{DiffTracing: true, CGShaping: true, BaselineStatic: true, BaselineDynamic: true, DynamicSampling: true, DynamicProbing: true}
	default:
		return Methods{}
	}
}

// Methods is the enabled-method set; any field left false is skipped, and a
// user-supplied override merges in without clearing the rest of the bundle.
type Methods struct {
	DiffTracing     bool
	CGShaping       bool
	BaselineStatic  bool
	BaselineDynamic bool
	DynamicSampling bool
	DynamicProbing  bool
	TimedSampling   bool // not part of any static bundle; opted into explicitly
}

// Merge overlays user-supplied overrides onto the bundle's defaults.
func (m Methods) Merge(overrides Methods) Methods {
	out := m
	if overrides.DiffTracing {
		out.DiffTracing = true
	}
	if overrides.CGShaping {
		out.CGShaping = true
	}
	if overrides.BaselineStatic {
		out.BaselineStatic = true
	}
	if overrides.BaselineDynamic {
		out.BaselineDynamic = true
	}
	if overrides.DynamicSampling {
		out.DynamicSampling = true
	}
	if overrides.DynamicProbing {
		out.DynamicProbing = true
	}
	if overrides.TimedSampling {
		out.TimedSampling = true
	}
	return out
}
