package license

// Decision is what the host pipeline does with one operation.
type Decision int

const (
	// Refuse is the zero value: a decision that was never made refuses.
	Refuse Decision = iota
	// Degrade lets the operation through with a visible indicator.
	Degrade
	// Permit lets the operation through untouched.
	Permit
)

func (d Decision) String() string {
	switch d {
	case Permit:
		return "permit"
	case Degrade:
		return "degrade"
	default:
		return "refuse"
	}
}

// MarshalText implements encoding.TextMarshaler
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Decide maps an enforcement state to a decision. It holds no state.
func Decide(state EnforcementState) Decision {
	switch state.Kind {
	case StateFullyLicensed, StateDisabled:
		return Permit
	case StateGracePeriod:
		return Degrade
	default:
		return Refuse
	}
}
