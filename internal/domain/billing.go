package domain

// Subscription is the backend response to a plan activation.
type Subscription struct {
	ID           string `json:"subscription_id"`
	PlanID       string `json:"plan_id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// PaymentResult is the outcome of confirming a subscription payment.
type PaymentResult struct {
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
	RequiresAction bool   `json:"requires_action"`
	RedirectURL    string `json:"redirect_url,omitempty"`
}
