package realization

import "github.com/hashicorp/hcl/v2"

// fileRoot is the top-level structure of a realization file.
type fileRoot struct {
	Simulation *simulationBlock  `hcl:"simulation,block"`
	Forcing    *forcingBlock     `hcl:"forcing,block"`
	Global     *globalBlock      `hcl:"global,block"`
	Catchments []*catchmentBlock `hcl:"catchment,block"`
	Nexuses    []*nexusBlock     `hcl:"nexus,block"`
}

type simulationBlock struct {
	Start    string  `hcl:"start"`
	End      string  `hcl:"end"`
	Step     string  `hcl:"step,optional"`
	Workers  *int    `hcl:"workers,optional"`
	Strategy *string `hcl:"strategy,optional"`
}

type forcingBlock struct {
	Source  string  `hcl:"source,optional"`
	Pattern *string `hcl:"pattern,optional"`
}

// globalBlock holds the formulation of catchments that declare none.
type globalBlock struct {
	Formulation *formulationBlock `hcl:"formulation,block"`
}

type catchmentBlock struct {
	ID          string            `hcl:"id,label"`
	To          *string           `hcl:"to,optional"`
	Weight      *float64          `hcl:"weight,optional"`
	Outflows    []*outflowBlock   `hcl:"outflow,block"`
	Formulation *formulationBlock `hcl:"formulation,block"`
}

type outflowBlock struct {
	Nexus    string   `hcl:"nexus,label"`
	Fraction *float64 `hcl:"fraction,optional"`
}

type nexusBlock struct {
	ID        string           `hcl:"id,label"`
	Receivers []*receiverBlock `hcl:"receiver,block"`
}

type receiverBlock struct {
	Catchment string   `hcl:"catchment,label"`
	Percent   *float64 `hcl:"percent,optional"`
}

type formulationBlock struct {
	Primary       *string           `hcl:"primary,optional"`
	Discharge     *string           `hcl:"discharge,optional"`
	DischargeUnit *string           `hcl:"discharge_unit,optional"`
	Aliases       map[string]string `hcl:"aliases,optional"`
	Modules       []*moduleBlock    `hcl:"module,block"`
	Routes        []*routeBlock     `hcl:"route,block"`
}

type moduleBlock struct {
	ID             string         `hcl:"id,label"`
	Type           string         `hcl:"type"`
	Path           *string        `hcl:"path,optional"`
	EntryPoint     *string        `hcl:"entry_point,optional"`
	Config         hcl.Expression `hcl:"config,optional"`
	FixedStep      *bool          `hcl:"fixed_step,optional"`
	StepSize       *float64       `hcl:"step_size,optional"`
	AllowExceedEnd *bool          `hcl:"allow_exceed_end,optional"`
	Inputs         []*inputBlock  `hcl:"input,block"`
	Outputs        []*outputBlock `hcl:"output,block"`
}

type inputBlock struct {
	Name    string   `hcl:"name,label"`
	Unit    *string  `hcl:"unit,optional"`
	Default *float64 `hcl:"default,optional"`
	Source  *string  `hcl:"source,optional"`
}

type outputBlock struct {
	Name string  `hcl:"name,label"`
	Unit *string `hcl:"unit,optional"`
}

type routeBlock struct {
	Module   string  `hcl:"module"`
	Input    string  `hcl:"input"`
	From     *string `hcl:"from,optional"`
	Variable *string `hcl:"variable,optional"`
	LookBack *int    `hcl:"look_back,optional"`
}
