package models

// ConditionOperator is the closed set of comparison operators understood by
// the condition evaluator.
type ConditionOperator string

const (
	OperatorEquals       ConditionOperator = "equals"
	OperatorNotEquals    ConditionOperator = "not_equals"
	OperatorGreaterThan  ConditionOperator = "greater_than"
	OperatorLessThan     ConditionOperator = "less_than"
	OperatorGreaterEqual ConditionOperator = "greater_equal"
	OperatorLessEqual    ConditionOperator = "less_equal"
	OperatorContains     ConditionOperator = "contains"
	OperatorStartsWith   ConditionOperator = "starts_with"
	OperatorEndsWith     ConditionOperator = "ends_with"
	OperatorIsEmpty      ConditionOperator = "is_empty"
	OperatorIsNotEmpty   ConditionOperator = "is_not_empty"
	OperatorIn           ConditionOperator = "in"
	OperatorNotIn        ConditionOperator = "not_in"
)

// ConditionLogic joins the children of a composite condition node.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "and"
	LogicOr  ConditionLogic = "or"
)

// Condition is a single field comparison against the execution context.
type Condition struct {
	Field    string            `json:"field"    validate:"required"`
	Operator ConditionOperator `json:"operator" validate:"required"`
	Value    any               `json:"value,omitempty"`
}

// ConditionGroup is a boolean expression tree node. A group is homogeneous:
// all direct children combine under the same logic, and mixed AND/OR
// expressions nest through Groups.
type ConditionGroup struct {
	Logic      ConditionLogic    `json:"logic"                validate:"omitempty,oneof=and or"`
	Conditions []Condition       `json:"conditions,omitempty" validate:"dive"`
	Groups     []*ConditionGroup `json:"groups,omitempty"`
}
