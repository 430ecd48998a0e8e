package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Bounds enforced on user input.
const (
	MinRating             = 1
	MaxRating             = 5
	MinJustificationChars = 10
	MaxJustificationChars = 2000
	MinAcceptanceDays     = 1
	MaxAcceptanceDays     = 90
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	_ = validate.RegisterValidation("enum", validateEnum)
}

// validateEnum accepts any field whose type knows its own valid values.
func validateEnum(fl validator.FieldLevel) bool {
	v, ok := fl.Field().Interface().(interface{ IsValid() bool })
	if !ok {
		return false
	}
	return v.IsValid()
}

// ValidateStruct validates s and converts failures into a Validation error for entity.
func ValidateStruct(entity string, s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating %s: %w", entity, err)
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describeFieldError(fe))
	}
	e := Validation(entity, "%s", strings.Join(problems, "; "))
	e.Err = err
	return e
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		if fe.Kind().String() == "string" {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if fe.Kind().String() == "string" {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "enum":
		return fmt.Sprintf("%s has unknown value %v", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %q", field, fe.Tag())
	}
}

// AssetInput holds the fields needed to register an asset.
type AssetInput struct {
	Name            string              `validate:"required,max=255"`
	OwnerID         string              `validate:"required,max=255"`
	Type            AssetType           `validate:"enum"`
	Classification  ClassificationLevel `validate:"enum"`
	TechnologyStack []string            `validate:"max=50,dive,required,max=100"`
	Confidentiality int                 `validate:"min=1,max=5"`
	Integrity       int                 `validate:"min=1,max=5"`
	Availability    int                 `validate:"min=1,max=5"`
}

// Validate checks the input.
func (in AssetInput) Validate() error { return ValidateStruct("asset", in) }

// AssetUpdate is a partial asset update. Nil fields are left unchanged.
type AssetUpdate struct {
	Name            *string              `validate:"omitnil,min=1,max=255"`
	Type            *AssetType           `validate:"omitnil,enum"`
	Classification  *ClassificationLevel `validate:"omitnil,enum"`
	TechnologyStack *[]string            `validate:"omitnil,max=50,dive,required,max=100"`
	Confidentiality *int                 `validate:"omitnil,min=1,max=5"`
	Integrity       *int                 `validate:"omitnil,min=1,max=5"`
	Availability    *int                 `validate:"omitnil,min=1,max=5"`
}

// Validate checks the update.
func (in AssetUpdate) Validate() error { return ValidateStruct("asset", in) }

// ChangesRatings reports whether the update touches any CIA rating.
func (in AssetUpdate) ChangesRatings() bool {
	return in.Confidentiality != nil || in.Integrity != nil || in.Availability != nil
}

// ThreatInput holds the fields needed to register a threat.
type ThreatInput struct {
	AssetID        string         `validate:"required"`
	Title          string         `validate:"required,max=500"`
	STRIDECategory STRIDECategory `validate:"omitempty,enum"`
	MitreAttackID  string         `validate:"omitempty,max=20"`
	CreatedBy      string         `validate:"required"`
	Likelihood     int            `validate:"min=1,max=5"`
	Impact         int            `validate:"min=1,max=5"`
	AutoGenerated  bool
}

// Validate checks the input.
func (in ThreatInput) Validate() error { return ValidateStruct("threat", in) }

// ThreatUpdate is a partial threat update. The owning asset and the status
// cannot be changed through it.
type ThreatUpdate struct {
	Title          *string         `validate:"omitnil,min=1,max=500"`
	STRIDECategory *STRIDECategory `validate:"omitnil,enum"`
	MitreAttackID  *string         `validate:"omitnil,max=20"`
	Likelihood     *int            `validate:"omitnil,min=1,max=5"`
	Impact         *int            `validate:"omitnil,min=1,max=5"`
}

// Validate checks the update.
func (in ThreatUpdate) Validate() error { return ValidateStruct("threat", in) }

// ChangesScore reports whether the update touches likelihood or impact.
func (in ThreatUpdate) ChangesScore() bool {
	return in.Likelihood != nil || in.Impact != nil
}

// AcceptanceInput is a request to accept the risk of a threat.
type AcceptanceInput struct {
	ThreatID      string `validate:"required"`
	RequestedBy   string `validate:"required"`
	Justification string `validate:"min=10,max=2000"`
	PeriodDays    int    `validate:"min=1,max=90"`
}

// Validate checks the input.
func (in AcceptanceInput) Validate() error { return ValidateStruct("risk acceptance", in) }

// AcceptanceAmend changes a pending acceptance.
type AcceptanceAmend struct {
	Justification *string `validate:"omitnil,min=10,max=2000"`
	PeriodDays    *int    `validate:"omitnil,min=1,max=90"`
}

// Validate checks the amendment.
func (in AcceptanceAmend) Validate() error { return ValidateStruct("risk acceptance", in) }

// RuleInput holds the fields needed to create a policy rule.
type RuleInput struct {
	Name        string         `validate:"required,max=255"`
	Description string         `validate:"max=2000"`
	Severity    PolicySeverity `validate:"enum"`
	Body        RuleBody
	Active      bool
}

// Validate checks the input.
func (in RuleInput) Validate() error { return ValidateStruct("policy rule", in) }

// RuleUpdate is a partial policy rule update.
type RuleUpdate struct {
	Name        *string         `validate:"omitnil,min=1,max=255"`
	Description *string         `validate:"omitnil,max=2000"`
	Severity    *PolicySeverity `validate:"omitnil,enum"`
	Body        *RuleBody
	Active      *bool
}

// Validate checks the update.
func (in RuleUpdate) Validate() error { return ValidateStruct("policy rule", in) }

// ControlInput holds the fields needed to create a compliance control.
type ControlInput struct {
	Framework   ComplianceFramework `validate:"enum"`
	Code        string              `validate:"required,max=64"`
	Description string              `validate:"required,max=2000"`
}

// Validate checks the input.
func (in ControlInput) Validate() error { return ValidateStruct("control", in) }
