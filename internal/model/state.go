package model

import "fmt"

// PageState is the result of one classification pass.
type PageState int

const (
	StateUnknown PageState = iota
	StateProtectionChallenge
	StatePopupBlocking
	StateAuthRequired
	StateVariantSelectionNeeded
	StateProductUnavailable
	StateProductAvailable
	StateCartUpdated
	StateCheckoutVolumeLimited
	StateCheckoutReadyToPay
	StatePurchaseConfirmed
	StateFatalError
)

var pageStateNames = [...]string{
	StateUnknown:                "Unknown",
	StateProtectionChallenge:    "ProtectionChallenge",
	StatePopupBlocking:          "PopupBlocking",
	StateAuthRequired:           "AuthRequired",
	StateVariantSelectionNeeded: "VariantSelectionNeeded",
	StateProductUnavailable:     "ProductUnavailable",
	StateProductAvailable:       "ProductAvailable",
	StateCartUpdated:            "CartUpdated",
	StateCheckoutVolumeLimited:  "CheckoutVolumeLimited",
	StateCheckoutReadyToPay:     "CheckoutReadyToPay",
	StatePurchaseConfirmed:      "PurchaseConfirmed",
	StateFatalError:             "FatalError",
}

func (s PageState) String() string {
	if s >= 0 && int(s) < len(pageStateNames) {
		return pageStateNames[s]
	}
	return fmt.Sprintf("PageState(%d)", int(s))
}

func (s PageState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PurchaseStage 购买链路上的阶段序号：可购买=1，已加购=2，待支付=3，已下单=4；其余为 0。
func (s PageState) PurchaseStage() int {
	switch s {
	case StateProductAvailable:
		return 1
	case StateCartUpdated:
		return 2
	case StateCheckoutReadyToPay:
		return 3
	case StatePurchaseConfirmed:
		return 4
	default:
		return 0
	}
}
