package config

import "restock_monitor/internal/browser"

// Logical element names shared by the classifier and the action driver.
const (
	SelChallenge         = "challenge"
	SelPopupLocation     = "popup.location"
	SelPopupPrivacy      = "popup.privacy"
	SelAuthForm          = "auth.form"
	SelAuthIdentifier    = "auth.identifier"
	SelAuthTerms         = "auth.terms"
	SelAuthContinue      = "auth.continue"
	SelAuthSecret        = "auth.secret"
	SelAuthSubmit        = "auth.submit"
	SelAuthError         = "auth.error"
	SelAuthenticated     = "auth.authenticated"
	SelVolumeModal       = "volume.modal"
	SelVolumeDismiss     = "volume.dismiss"
	SelVariantOption     = "variant.option"
	SelVariantSelected   = "variant.selected"
	SelQuantityValue     = "quantity.value"
	SelQuantityIncrement = "quantity.increment"
	SelBuy               = "cta.buy"
	SelCartAdded         = "cart.added"
	SelCheckoutStart     = "checkout.start"
	SelPaymentOption     = "checkout.payment"
	SelPaySubmit         = "checkout.submit"
	SelOrderConfirmed    = "order.confirmed"
)

// DefaultMarkers only lists interstitial copy. Cloudflare's challenge-platform
// beacon script is served on ordinary pages and is not a challenge.
func DefaultMarkers() MarkerConfig {
	return MarkerConfig{
		Challenge: []string{
			"cf-browser-verification",
			"Checking your browser",
			"Verifying you are human",
		},
		Blocked: []string{
			"cf-browser-verification",
			"Access Denied",
			"Just a moment...",
			"Request unsuccessful. Incapsula",
		},
		Available: []string{
			"ADD TO BAG",
			"index_red__kx6Ql",
			"ADD TO CART",
		},
		Unavailable: []string{
			"NOTIFY ME WHEN AVAILABLE",
			"index_black__RgEgP",
			"Out of Stock",
			"SOLD OUT",
		},
		Auth: []string{
			"Sign in or Register",
			"Log in to continue",
		},
		AuthError: []string{
			"Incorrect email or password",
			"Invalid email or password",
			"account has been locked",
		},
		Authenticated: []string{
			"My Account",
			"Sign out",
		},
		VolumeLimited: []string{
			"high volume",
			"too many requests",
			"please try again later",
		},
		Added: []string{
			"Added to bag",
			"Added to cart",
		},
		Confirmed: []string{
			"Order placed",
			"Thank you for your order",
			"Payment successful",
		},
	}
}

func DefaultSelectors() browser.Selectors {
	return browser.Selectors{
		SelChallenge: {
			{CSS: "#challenge-form"},
			{CSS: "#cf-challenge-running"},
			{CSS: "iframe[src*='challenges.cloudflare.com']"},
		},
		SelPopupLocation: {
			{CSS: "[class*='ipInCountry'] button", Text: "stay"},
			{CSS: "[class*='location'] button", Text: "continue"},
			{CSS: "[data-popup='location'] button"},
		},
		SelPopupPrivacy: {
			{CSS: "[class*='policy'] button", Text: "accept"},
			{CSS: "#onetrust-accept-btn-handler"},
			{CSS: "[data-popup='privacy'] button"},
		},
		SelAuthForm: {
			{CSS: "form[action*='login'] input[type='password']"},
			{CSS: "[class*='loginForm'] input"},
			{CSS: "[data-form='login']"},
		},
		SelAuthIdentifier: {
			{CSS: "input[type='email']"},
			{CSS: "input[name='email']"},
			{CSS: "input[name='username']"},
		},
		SelAuthTerms: {
			{CSS: "input[type='checkbox'][name*='agree']"},
			{CSS: "[class*='checkbox'][class*='policy']"},
		},
		SelAuthContinue: {
			{CSS: "button[type='submit']", Text: "continue"},
			{CSS: "button", Text: "continue"},
		},
		SelAuthSecret: {
			{CSS: "input[type='password']"},
			{CSS: "input[name='password']"},
		},
		SelAuthSubmit: {
			{CSS: "button[type='submit']", Text: "sign in"},
			{CSS: "button[type='submit']", Text: "log in"},
			{CSS: "button", Text: "sign in"},
		},
		SelAuthError: {
			{CSS: "[class*='loginError']"},
			{CSS: "[role='alert']", Text: "password"},
			{CSS: ".form-error"},
		},
		SelAuthenticated: {
			{CSS: "a[href*='/account']", Text: "account"},
			{CSS: "[data-testid='account-menu']"},
			{CSS: "[class*='userName']"},
		},
		SelVolumeModal: {
			{CSS: "[class*='highVolume']"},
			{CSS: "[role='dialog']", Text: "high volume"},
			{CSS: ".modal", Text: "try again"},
		},
		SelVolumeDismiss: {
			{CSS: "[class*='highVolume'] button"},
			{CSS: "[role='dialog'] button", Text: "ok"},
			{CSS: ".modal button", Text: "close"},
		},
		SelVariantOption: {
			{CSS: "[class*='sizeItem']"},
			{CSS: ".variant-option"},
			{CSS: "[data-variant]"},
		},
		SelVariantSelected: {
			{CSS: "[class*='sizeItem'][class*='active']"},
			{CSS: ".variant-option.selected"},
			{CSS: "[data-variant][aria-checked='true']"},
		},
		SelQuantityValue: {
			{CSS: "input[name='quantity']"},
			{CSS: "[class*='countNum']"},
			{CSS: ".qty-value"},
		},
		SelQuantityIncrement: {
			{CSS: "[class*='countButton'][class*='plus']"},
			{CSS: ".qty-plus"},
			{CSS: "button[aria-label='increase quantity']"},
		},
		SelBuy: {
			{CSS: "[class*='index_red__kx6Ql']"},
			{CSS: "button", Text: "add to bag"},
			{CSS: "button", Text: "add to cart"},
		},
		SelCartAdded: {
			{CSS: "[class*='addSuccess']"},
			{CSS: ".cart-added"},
			{CSS: "[role='status']", Text: "added"},
		},
		SelCheckoutStart: {
			{CSS: "a[href*='checkout']"},
			{CSS: "button", Text: "checkout"},
			{CSS: "button", Text: "check out"},
		},
		SelPaymentOption: {
			{CSS: "[class*='paymentItem']"},
			{CSS: ".payment-method"},
			{CSS: "label[for*='payment']"},
		},
		SelPaySubmit: {
			{CSS: "button", Text: "place order"},
			{CSS: "button", Text: "pay now"},
			{CSS: "[class*='payButton']"},
		},
		SelOrderConfirmed: {
			{CSS: "[class*='orderSuccess']"},
			{CSS: ".order-confirmation"},
			{CSS: "h1", Text: "thank you"},
		},
	}
}
