package entrypoint

// Step names one mutating action of the entrypoint.
type Step string

const (
	StepRemap         Step = "remap"
	StepHome          Step = "home"
	StepOwnership     Step = "ownership"
	StepRegisterUser  Step = "register-user"
	StepRegisterGroup Step = "register-group"
	StepTrust         Step = "trust"
	StepSwitch        Step = "switch"
	StepExec          Step = "exec"
)

// OnFailure is the reaction to a failed step.
type OnFailure int

const (
	// Ignore logs the failure at debug level and continues.
	Ignore OnFailure = iota
	// Abort stops startup and returns the error.
	Abort
)

func (o OnFailure) String() string {
	if o == Abort {
		return "abort"
	}
	return "ignore"
}

// Policy maps steps to their failure reaction. Unlisted steps abort.
type Policy map[Step]OnFailure

// DefaultPolicy treats every convenience mutation as advisory. Only the
// credential switch and the final exec may stop startup.
func DefaultPolicy() Policy {
	return Policy{
		StepRemap:         Ignore,
		StepHome:          Ignore,
		StepOwnership:     Ignore,
		StepRegisterUser:  Ignore,
		StepRegisterGroup: Ignore,
		StepTrust:         Ignore,
		StepSwitch:        Abort,
		StepExec:          Abort,
	}
}

// For returns the reaction for step.
func (p Policy) For(step Step) OnFailure {
	if on, ok := p[step]; ok {
		return on
	}
	return Abort
}
