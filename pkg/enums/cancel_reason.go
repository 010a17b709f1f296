package enums

import "fmt"

// CancelReason is the reason code a buyer picks when cancelling.
type CancelReason string

const (
	CancelReasonChangedMind      CancelReason = "changed_mind"
	CancelReasonOrderedByMistake CancelReason = "ordered_by_mistake"
	CancelReasonBetterPrice      CancelReason = "better_price"
	CancelReasonDeliveryDelay    CancelReason = "delivery_delay"
	CancelReasonDesignIssue      CancelReason = "design_issue"
	CancelReasonOther            CancelReason = "other"
)

var validCancelReasons = []CancelReason{
	CancelReasonChangedMind,
	CancelReasonOrderedByMistake,
	CancelReasonBetterPrice,
	CancelReasonDeliveryDelay,
	CancelReasonDesignIssue,
	CancelReasonOther,
}

// String implements fmt.Stringer.
func (c CancelReason) String() string {
	return string(c)
}

// IsValid reports whether the value is a known CancelReason.
func (c CancelReason) IsValid() bool {
	for _, candidate := range validCancelReasons {
		if candidate == c {
			return true
		}
	}
	return false
}

// CancelReasons returns the selectable reasons in display order.
func CancelReasons() []CancelReason {
	out := make([]CancelReason, len(validCancelReasons))
	copy(out, validCancelReasons)
	return out
}

// ParseCancelReason converts raw input into a CancelReason.
func ParseCancelReason(value string) (CancelReason, error) {
	for _, candidate := range validCancelReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid cancel reason %q", value)
}
